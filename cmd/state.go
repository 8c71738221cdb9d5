package cmd

import (
	"context"
	"iter"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/instrumented"
	"github.com/liuxd6825/instrumented/log"
)

// browser is the part of the controller the commands drive.
type browser interface {
	LoadURL(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context, timeout time.Duration) bool
	NavigationStarted(ctx context.Context, timeout time.Duration) bool
	Stop(ctx context.Context) error
	PageState() common.PageState
	URL(ctx context.Context) (string, error)
	DOM(ctx context.Context) (string, bool)
	NavigationHistory(ctx context.Context) (int64, []*page.NavigationEntry, error)
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	DispatchJSEvent(ctx context.Context, selector, eventType string) error
	AllEventListeners(ctx context.Context, filter common.EventListenerFilter) iter.Seq[*common.EventListener]
	JSSetTimeouts(ctx context.Context) iter.Seq[map[string]any]
	JSSetIntervals(ctx context.Context) iter.Seq[map[string]any]
	JSErrors(ctx context.Context) ([]any, bool)
	ConsoleMessages() iter.Seq[*common.ConsoleMessage]
	MemoryUsage() (private, shared int64, ok bool)
	Terminate()
}

var _ browser = &instrumented.Chrome{}

type browserFactory func(ctx context.Context, opts instrumented.Options, logger *log.Logger) (browser, error)

func newChrome(ctx context.Context, opts instrumented.Options, logger *log.Logger) (browser, error) {
	c, err := instrumented.NewChrome(ctx, opts, logger)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return c, nil
}

// globalState contains the process-wide dependencies of the commands so
// that tests can replace them.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	getwd   func() (string, error)
	args    []string
	envVars map[string]string

	stdOut, stdErr *consoleWriter

	osExit       func(int)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger

	newBrowser browserFactory
}

func newGlobalState(ctx context.Context) *globalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	outMutex := &sync.Mutex{}
	stdOut := &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex, os.Stdout}
	stdErr := &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex, os.Stderr}

	logger := &logrus.Logger{
		Out: stdErr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	return &globalState{
		ctx:          ctx,
		fs:           afero.NewOsFs(),
		getwd:        os.Getwd,
		args:         append([]string(nil), os.Args...),
		envVars:      buildEnvMap(os.Environ()),
		stdOut:       stdOut,
		stdErr:       stdErr,
		osExit:       os.Exit,
		signalNotify: signal.Notify,
		signalStop:   signal.Stop,
		logger:       logger,
		fallbackLogger: &logrus.Logger{
			Out:       stdErr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		newBrowser: newChrome,
	}
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// Package chromium launches and supervises the browser process.
package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/liuxd6825/instrumented/log"
	"github.com/liuxd6825/instrumented/storage"
)

// ErrNotStarted is returned when the process is queried before Start.
var ErrNotStarted = errors.New("browser process not started")

// terminateTimeout bounds the wait for the process to exit after it was
// killed.
const terminateTimeout = 5 * time.Second

// Process is a supervised browser process.
type Process struct {
	opts    LaunchOptions
	logger  *log.Logger
	flags   map[string]any
	dataDir *storage.Dir

	mu          sync.Mutex
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	done        chan struct{}
	started     chan struct{}
	startErr    error
	wsURL       string
	port        int
	debuggingID string
	terminated  bool
}

// NewProcess returns a process that will launch the browser with opts.
func NewProcess(opts LaunchOptions, logger *log.Logger) *Process {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStartTimeout
	}
	if opts.ExecutablePath == "" {
		opts.ExecutablePath = ExecutablePath()
	}
	return &Process{
		opts:    opts,
		logger:  logger,
		flags:   prepareFlags(opts),
		dataDir: &storage.Dir{Fs: afero.NewOsFs()},
		started: make(chan struct{}),
	}
}

// SetProxy routes all browser traffic, loopback included, through the
// proxy listening on host:port. It must be called before Start.
func (p *Process) SetProxy(host string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.flags["proxy-server"] = net.JoinHostPort(host, strconv.Itoa(port))
	p.flags["proxy-bypass-list"] = "<-loopback>"
}

// SetDebuggingID sets the id added to log lines.
func (p *Process) SetDebuggingID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debuggingID = id
}

func (p *Process) did() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debuggingID
}

// Args returns the command line arguments the browser is launched with.
func (p *Process) Args() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return parseArgs(p.flags)
}

// Start launches the browser. It returns once the process is running;
// WaitForStart waits for its DevTools endpoint.
func (p *Process) Start(ctx context.Context) (rerr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("browser process already started")
	}
	if p.terminated {
		return errors.New("browser process already terminated")
	}
	if p.opts.ExecutablePath == "" {
		return errors.New("no browser executable found")
	}

	if err := p.dataDir.Make("", p.opts.UserDataDir); err != nil {
		return err
	}
	defer func() {
		if rerr != nil {
			p.cleanupDataDir()
		}
	}()
	p.flags["user-data-dir"] = p.dataDir.Dir

	args, err := parseArgs(p.flags)
	if err != nil {
		return err
	}
	env := make([]string, 0, len(p.opts.Env))
	for k, v := range p.opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// the process outlives the context Start is called with
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd, err := execute(pctx, p.opts.ExecutablePath, args, env)
	if err != nil {
		cancel()
		return fmt.Errorf("launching browser: %w", err)
	}
	p.cmd = cmd.Cmd
	p.cancel = cancel
	p.done = cmd.done

	p.logger.Debugf("Process:Start", "pid:%d args:%v (did: %s)", cmd.Process.Pid, args, p.debuggingID)

	go p.watch(cmd)
	go p.parseDevToolsURL(pctx, cmd)

	return nil
}

// watch removes the profile directory once the process is gone.
func (p *Process) watch(cmd *command) {
	<-cmd.done
	p.mu.Lock()
	terminated := p.terminated
	p.mu.Unlock()
	if !terminated {
		p.logger.Errorf("Process", "process with PID %d unexpectedly ended: %v (did: %s)",
			cmd.Process.Pid, cmd.waitErr, p.did())
	}
	p.cleanupDataDir()
}

func (p *Process) cleanupDataDir() {
	if err := p.dataDir.Cleanup(); err != nil {
		p.logger.Errorf("Process", "cleaning up the user data directory: %v", err)
	}
}

func (p *Process) parseDevToolsURL(ctx context.Context, cmd *command) {
	wsURL, err := parseDevToolsURL(ctx, cmd)
	var port int
	if err == nil {
		port, err = devToolsPort(wsURL)
	}

	p.mu.Lock()
	p.wsURL, p.port, p.startErr = wsURL, port, err
	p.mu.Unlock()
	close(p.started)
}

// WaitForStart waits until the browser reports its DevTools endpoint, the
// start timeout expires or ctx is done.
func (p *Process) WaitForStart(ctx context.Context) error {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	tctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	select {
	case <-p.started:
	case <-tctx.Done():
		return fmt.Errorf("waiting for the browser DevTools endpoint: %w", tctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return fmt.Errorf("waiting for the browser DevTools endpoint: %w", p.startErr)
	}
	p.logger.Debugf("Process:WaitForStart", "devtools listening on %s (did: %s)", p.wsURL, p.debuggingID)

	return nil
}

// DevToolsPort returns the port of the DevTools endpoint, or 0 before the
// browser reported it.
func (p *Process) DevToolsPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// WsURL returns the browser-level DevTools websocket URL.
func (p *Process) WsURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wsURL
}

// ParentPid returns the browser process ID, or -1 if this is unknown.
func (p *Process) ParentPid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || p.terminated {
		return -1
	}
	return p.cmd.Process.Pid
}

// ChildrenPids returns the IDs of all the descendants of the browser
// process, which is where renderers and the GPU process live.
func (p *Process) ChildrenPids() []int {
	pid := p.ParentPid()
	if pid < 0 {
		return nil
	}
	pids, err := ChildrenPids(pid)
	if err != nil {
		p.logger.Debugf("Process:ChildrenPids", "listing children of %d: %v (did: %s)", pid, err, p.did())
		return nil
	}
	return pids
}

// Terminate kills the whole process group and waits for the browser to
// exit. It is safe to call more than once.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	cmd, cancel, done := p.cmd, p.cancel, p.done
	did := p.debuggingID
	p.mu.Unlock()

	if cmd == nil {
		p.cleanupDataDir()
		return nil
	}
	p.logger.Debugf("Process:Terminate", "pid:%d (did: %s)", cmd.Process.Pid, did)

	// cancelling runs cmd.Cancel which kills the process group
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(terminateTimeout):
		return fmt.Errorf("browser process %d did not exit within %s", cmd.Process.Pid, terminateTimeout)
	}
}

// Done is closed once the browser process exited.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return nil
	}
	return p.done
}

// String returns the browser process ID and its DevTools endpoint.
func (p *Process) String() string {
	return fmt.Sprintf("<ChromeProcess pid:%d devtools:%d>", p.ParentPid(), p.DevToolsPort())
}

type command struct {
	*exec.Cmd
	done    chan struct{}
	waitErr error
	stderr  io.Reader
}

func execute(ctx context.Context, path string, args, env []string) (*command, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	killAfterParent(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = terminateTimeout
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	c := &command{Cmd: cmd, done: make(chan struct{}), stderr: stderr}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	return c, nil
}

// parseDevToolsURL grabs the WebSocket address from the browser output and
// returns it. If the process ends abruptly, it will return the first error
// from stderr.
func parseDevToolsURL(ctx context.Context, cmd *command) (string, error) {
	parser := &devToolsURLParser{
		sc: bufio.NewScanner(cmd.stderr),
	}
	done := make(chan struct{})
	go func() {
		for parser.scan() {
		}
		close(done)
		// keep draining so that the browser never blocks on a full pipe
		_, _ = io.Copy(io.Discard, cmd.stderr)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-cmd.done:
		// Wait closed the pipe, so the scanner is about to stop
		<-done
	}
	if parser.url != "" {
		return parser.url, nil
	}
	if err := parser.err(); err != nil {
		return "", err
	}

	return "", errors.New("browser process ended unexpectedly")
}

type devToolsURLParser struct {
	sc *bufio.Scanner

	errs []error
	url  string
}

func (p *devToolsURLParser) scan() bool {
	if !p.sc.Scan() {
		return false
	}

	const urlPrefix = "DevTools listening on "

	line := p.sc.Text()
	if strings.HasPrefix(line, urlPrefix) {
		p.url = strings.TrimPrefix(strings.TrimSpace(line), urlPrefix)
	}
	if strings.Contains(line, ":ERROR:") {
		if i := strings.Index(line, "] "); i > 0 {
			p.errs = append(p.errs, errors.New(line[i+2:]))
		}
	}

	return p.url == ""
}

func (p *devToolsURLParser) err() error {
	if p.url != "" {
		return nil
	}
	if len(p.errs) > 0 {
		return p.errs[0]
	}

	err := p.sc.Err()
	if errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("browser process shutdown unexpectedly before establishing a connection: %w", err)
	}
	if err != nil {
		return err //nolint:wrapcheck
	}

	return nil
}

// devToolsPort extracts the port of a DevTools websocket URL.
func devToolsPort(wsURL string) (int, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return 0, fmt.Errorf("parsing DevTools URL %q: %w", wsURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("DevTools URL %q has no valid port", wsURL)
	}
	return port, nil
}

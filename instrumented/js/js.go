// Package js holds the scripts evaluated in every new document.
package js

import (
	_ "embed"
)

// DOMAnalyzerScript installs window._DOMAnalyzer, which records the timers
// and event listeners registered by the page and dispatches events.
//
//go:embed dom_analyzer.js
var DOMAnalyzerScript string

// OnErrorScript collects uncaught page errors in window.errors.
//
//go:embed onerror.js
var OnErrorScript string

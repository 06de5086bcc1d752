package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	ready     func(Runtime)
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput sends the JSON log stream to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithReady registers fn to be called once every component is built and
// before any goroutine starts serving.
func WithReady(fn func(Runtime)) Option {
	return func(a *application) {
		a.ready = fn
	}
}

package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const defaultName = "relay"

// Loggers is a resolved root logger plus the provider used to name
// per-component loggers such as "relay.worker".
type Loggers struct {
	Name     string
	Provider glog.LoggerProvider
	Logger   glog.Logger
}

// Resolve picks the provider logger first, then the direct logger, then nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) Loggers {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName
	}
	resolvedProvider, resolved := glog.Resolve(name, provider, logger)
	if resolved == nil {
		resolved = glog.Nop()
	}
	return Loggers{Name: name, Provider: resolvedProvider, Logger: resolved}
}

// Component returns the logger for name.component. Without a provider every
// component shares the root logger.
func (l Loggers) Component(component string) glog.Logger {
	component = strings.TrimSpace(component)
	if component == "" || l.Provider == nil {
		return l.root()
	}
	if named := l.Provider.GetLogger(l.Name + "." + component); named != nil {
		return named
	}
	return l.root()
}

// JobProvider exposes the provider to go-job.
func (l Loggers) JobProvider() job.LoggerProvider {
	if l.Provider == nil {
		return nil
	}
	return job.GoLoggerProvider(l.Provider)
}

// Job returns the go-job view of a component logger, used by worker hooks.
func (l Loggers) Job(component string) job.Logger {
	return job.GoLogger(l.Component(component))
}

func (l Loggers) root() glog.Logger {
	if l.Logger == nil {
		return glog.Nop()
	}
	return l.Logger
}

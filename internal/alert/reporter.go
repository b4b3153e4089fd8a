// Package alert reports pipeline failures to the external alerting
// collaborator. Exhausted analyses are reported, never fatal.
package alert

import (
	"log"

	"github.com/rollbar/rollbar-go"
)

// Reporter receives failure notifications. Args are alternating key/value
// context pairs.
type Reporter interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Close() error
}

// LogReporter writes alerts to the process log only. Default when no Rollbar
// token is configured.
type LogReporter struct{}

func NewLogReporter() *LogReporter { return &LogReporter{} }

func (l *LogReporter) Warn(msg string, args ...interface{}) {
	log.Printf("[alert] WARN %s %v", msg, args)
}

func (l *LogReporter) Error(msg string, args ...interface{}) {
	log.Printf("[alert] ERROR %s %v", msg, args)
}

func (l *LogReporter) Close() error { return nil }

// RollbarReporter forwards alerts to Rollbar and mirrors them to the log.
type RollbarReporter struct{}

type RollbarConfig struct {
	Token       string
	Environment string
	CodeVersion string
}

func NewRollbarReporter(cfg RollbarConfig) *RollbarReporter {
	rollbar.SetToken(cfg.Token)
	rollbar.SetEnvironment(cfg.Environment)
	rollbar.SetCodeVersion(cfg.CodeVersion)
	return &RollbarReporter{}
}

func kvMap(args []interface{}) map[string]interface{} {
	extra := map[string]interface{}{}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		extra[key] = args[i+1]
	}
	return extra
}

func (r *RollbarReporter) Warn(msg string, args ...interface{}) {
	rollbar.Warning(msg, kvMap(args))
	log.Printf("[alert] WARN %s %v", msg, args)
}

func (r *RollbarReporter) Error(msg string, args ...interface{}) {
	rollbar.Error(msg, kvMap(args))
	log.Printf("[alert] ERROR %s %v", msg, args)
}

func (r *RollbarReporter) Close() error {
	rollbar.Close()
	return nil
}

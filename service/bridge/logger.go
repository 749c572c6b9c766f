// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package bridge

import (
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/logging"
)

// pionLoggerFactory routes pion internal logs through mlog. Pion debug
// output is very verbose so it's demoted to trace.
type pionLoggerFactory struct {
	log mlog.LoggerIFace
}

func newPionLoggerFactory(log mlog.LoggerIFace) logging.LoggerFactory {
	return &pionLoggerFactory{log: log}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		log:   f.log,
		scope: mlog.String("scope", scope),
	}
}

type pionLogger struct {
	log   mlog.LoggerIFace
	scope mlog.Field
}

func (l *pionLogger) Trace(msg string) {
	l.log.Trace(msg, l.scope)
}

func (l *pionLogger) Tracef(format string, args ...any) {
	l.log.Trace(fmt.Sprintf(format, args...), l.scope)
}

func (l *pionLogger) Debug(msg string) {
	l.log.Trace(msg, l.scope)
}

func (l *pionLogger) Debugf(format string, args ...any) {
	l.log.Trace(fmt.Sprintf(format, args...), l.scope)
}

func (l *pionLogger) Info(msg string) {
	l.log.Debug(msg, l.scope)
}

func (l *pionLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...), l.scope)
}

func (l *pionLogger) Warn(msg string) {
	l.log.Warn(msg, l.scope)
}

func (l *pionLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...), l.scope)
}

func (l *pionLogger) Error(msg string) {
	l.log.Error(msg, l.scope)
}

func (l *pionLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...), l.scope)
}

package raftchannel

import (
	"go.etcd.io/raft/v3"
	"go.uber.org/zap"
)

// zapRaftLogger satisfies raft.Logger with a sugared zap logger.
// zap spells the warning level Warn, raft spells it Warning.
type zapRaftLogger struct {
	*zap.SugaredLogger
}

func newZapRaftLogger(logger *zap.Logger, id uint64) *zapRaftLogger {
	return &zapRaftLogger{
		SugaredLogger: logger.With(zap.Uint64("raft_id", id)).Sugar(),
	}
}

func (l *zapRaftLogger) Warning(v ...interface{}) {
	l.Warn(v...)
}

func (l *zapRaftLogger) Warningf(format string, v ...interface{}) {
	l.Warnf(format, v...)
}

var _ raft.Logger = (*zapRaftLogger)(nil)

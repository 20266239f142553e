package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the root entry every component derives its own from.
func NewLogger(level, format string, out io.Writer) (*logrus.Entry, error) {
	if out == nil {
		out = os.Stdout
	}
	l := logrus.New()
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l).WithField("app", "flowershop"), nil
}

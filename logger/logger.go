// Package logger builds the plain loggers of the command line entry point.
package logger

import (
	"io"
	"log"
	"os"

	"github.com/allape/camworker/envar"
)

var verbose = envar.Getenv(envar.CamworkerVerbose, "") != ""

func init() {
	if verbose {
		log.Println("[logger] verbose mode enabled")
	}
}

func Verbose() bool {
	return verbose
}

func New(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix+" ", log.LstdFlags|log.Lmsgprefix)
}

func NewVerboseLogger(prefix string) *log.Logger {
	if verbose {
		return New(prefix)
	}
	return log.New(io.Discard, "", 0)
}

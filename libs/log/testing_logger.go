package log

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

var (
	// reuse the same logger across all tests
	testingLoggerMtx = sync.Mutex{}
	testingLogger    Logger
)

// TestingLogger returns a Logger which writes to STDOUT if test(s) are being
// run with the verbose (-v) flag, NopLogger otherwise.
//
// NOTE:
// - A call to NewTestingLogger() must be made inside a test (not in the init func)
// because verbose flag only set at the time of testing.
func TestingLogger() Logger {
	return TestingLoggerWithOutput(os.Stdout)
}

// TestingLoggerWithOutput returns a Logger which writes to (w io.Writer) if
// test(s) are being run with the verbose (-v) flag, NopLogger otherwise.
//
// NOTE:
// - A call to TestingLoggerWithOutput(w) must be made inside a test (not in the
// init func) because verbose flag only set at the time of testing.
func TestingLoggerWithOutput(w io.Writer) Logger {
	testingLoggerMtx.Lock()
	defer testingLoggerMtx.Unlock()

	if testingLogger != nil {
		return testingLogger
	}

	if testing.Verbose() {
		testingLogger = &defaultLogger{
			Logger: zerolog.New(newSyncWriter(w)).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		}
	} else {
		testingLogger = NewNopLogger()
	}

	return testingLogger
}

// NewTestingLogger returns a Logger bound to the given test that writes
// through t.Log, so output is only shown for failing or verbose tests.
func NewTestingLogger(t testing.TB) Logger {
	return &defaultLogger{
		Logger: zerolog.New(zerolog.ConsoleWriter{Out: testWriter{t}, NoColor: true}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger(),
	}
}

type testWriter struct {
	testing.TB
}

func (tw testWriter) Write(in []byte) (int, error) {
	tw.TB.Log(string(in))
	return len(in), nil
}

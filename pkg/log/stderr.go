package log

import "os"

func stderrSink() *os.File {
	return os.Stderr
}

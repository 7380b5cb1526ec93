package errlog

import (
	"fmt"
	"os"
	"runtime"
)

// Environment supplies the location and client identification stamped on
// every entry at record time.
type Environment interface {
	SourceURL() string
	ClientAgent() string
}

type StaticEnvironment struct {
	URL   string
	Agent string
}

func (e StaticEnvironment) SourceURL() string   { return e.URL }
func (e StaticEnvironment) ClientAgent() string { return e.Agent }

// ProcessEnvironment describes the current process when no page is involved.
func ProcessEnvironment(version string) StaticEnvironment {
	host, _ := os.Hostname()
	return StaticEnvironment{
		URL:   "process://" + host,
		Agent: fmt.Sprintf("pagewatch/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH),
	}
}

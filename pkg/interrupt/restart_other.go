//go:build !linux

package interrupt

import (
	"os"

	"github.com/kardianos/osext"
)

// Restart spawns a fresh copy of the executable and exits. Exec is not
// available outside linux so the pid changes.
func Restart() {
	log.D.Ln("restarting")
	file, e := osext.Executable()
	if e != nil {
		log.E.Ln(e)
		return
	}
	proc, e := os.StartProcess(file, os.Args, &os.ProcAttr{
		Env:   os.Environ(),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if e != nil {
		log.F.Ln(e)
		return
	}
	_ = proc.Release()
	os.Exit(0)
}

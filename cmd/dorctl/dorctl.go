// dorctl starts, stops and inspects the godor processes running from one
// binary directory.
//
//	dorctl [-bindir dir] [-configfile godor.ini] status
//	dorctl start dordb|dorbot [args ...]
//	dorctl stop|kill [dordb|dorbot]
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Components dorctl knows how to manage
var components = []string{"dordb", "dorbot"}

var args struct {
	binDir     string
	configFile string
}

func parseArgs() {
	flag.StringVar(&args.binDir, "bindir", "", "directory of the godor binaries, defaults to the directory of dorctl")
	flag.StringVar(&args.configFile, "configfile", "godor.ini", "config file passed to started processes")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dorctl [flags] status | start <component> [args] | stop [component] | kill [component]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
}

func showMsgAndQuit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "! "+format+"\n", a...)
	os.Exit(2)
}

func showMsg(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "> "+format+"\n", a...)
}

func checkErrorOrQuit(err error, msg string) {
	if err != nil {
		showMsgAndQuit("%s: %v", msg, err)
	}
}

func isComponent(name string) bool {
	for _, c := range components {
		if c == name {
			return true
		}
	}
	return false
}

func main() {
	parseArgs()
	cmdArgs := flag.Args()
	if len(cmdArgs) == 0 {
		showMsg("no command to execute")
		flag.Usage()
		os.Exit(1)
	}

	if args.binDir == "" {
		exe, err := os.Executable()
		checkErrorOrQuit(err, "locate dorctl")
		args.binDir = filepath.Dir(exe)
	}
	showMsg("binary directory: %s", args.binDir)

	only := ""
	if len(cmdArgs) > 1 {
		only = cmdArgs[1]
		if !isComponent(only) {
			showMsgAndQuit("unknown component %s, should be one of %s", only, strings.Join(components, ", "))
		}
	}

	switch cmd := cmdArgs[0]; cmd {
	case "status":
		showStatus(detectStatus(args.binDir))
	case "start":
		if only == "" {
			showMsgAndQuit("should specify the component to start")
		}
		start(only, cmdArgs[2:])
	case "stop":
		stop(only, StopSignal)
	case "kill":
		stop(only, KillSignal)
	default:
		showMsgAndQuit("unknown command: %s", cmd)
	}
}

package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "wirecall.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Serve the demo service", `
Serve the demo arithmetic & greeting service over TCP, until signaled to
exit (via SIGTERM or SIGINT).
`, &cmdServe{})

	call, err := parser.Command.AddCommand("call", "Call a running demo server", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(call, "add", "Add two integers", `
Invoke the add RPC of a running demo server and print the sum.
`, &cmdCallAdd{})

	addCmd(call, "hey", "Greet a name", `
Invoke the hey RPC of a running demo server and print the greeting.
`, &cmdCallHey{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}

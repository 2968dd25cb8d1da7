package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/estuary/wirecall/client"
	"github.com/estuary/wirecall/transport"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

type callConfig struct {
	Address     string                `long:"address" default:"localhost:8474" description:"Address of the demo server"`
	Timeout     time.Duration         `long:"timeout" default:"10s" description:"Call timeout"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

type cmdCallAdd struct {
	callConfig
	X int64 `long:"x" required:"true" description:"Left addend"`
	Y int64 `long:"y" required:"true" description:"Right addend"`
}

func (cmd cmdCallAdd) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var resp, err = cmd.invoke(demoRequest{Add: &addArgs{X: cmd.X, Y: cmd.Y}})
	if err != nil {
		return err
	} else if resp.Sum == nil {
		return fmt.Errorf("server returned an unexpected response variant")
	}
	fmt.Println(*resp.Sum)
	return nil
}

type cmdCallHey struct {
	callConfig
	Name string `long:"name" required:"true" description:"Name to greet"`
}

func (cmd cmdCallHey) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var resp, err = cmd.invoke(demoRequest{Hey: &heyArgs{Name: cmd.Name}})
	if err != nil {
		return err
	} else if resp.Greeting == nil {
		return fmt.Errorf("server returned an unexpected response variant")
	}
	fmt.Println(*resp.Greeting)
	return nil
}

// invoke dials the server, runs a client dispatcher for the duration of
// one call, and decodes its response.
func (cfg callConfig) invoke(req demoRequest) (demoResponse, error) {
	var resp demoResponse

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		return resp, fmt.Errorf("dialing server: %w", err)
	}
	cl, err := client.NewClient(client.Config{}, transport.NewConn(conn))
	if err != nil {
		return resp, err
	}

	var tasks = task.NewGroup(context.Background())
	cl.QueueTasks(tasks)
	tasks.GoRun()

	payload, err := json.Marshal(req)
	if err != nil {
		panic(err) // Marshalling cannot fail.
	}

	var ctx, cancel = context.WithTimeout(tasks.Context(), cfg.Timeout)
	defer cancel()

	result, callErr := cl.Call(ctx, payload)

	tasks.Cancel()
	if err = tasks.Wait(); callErr == nil {
		callErr = err
	}
	if callErr != nil {
		return resp, fmt.Errorf("calling server: %w", callErr)
	}

	if err = json.Unmarshal(result, &resp); err != nil {
		return resp, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

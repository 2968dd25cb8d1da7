package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/estuary/wirecall/server"
	"github.com/estuary/wirecall/transport"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

type cmdServe struct {
	Port           uint16                `long:"port" default:"8474" description:"Port to listen on"`
	MaxInFlight    int                   `long:"max-in-flight" default:"256" description:"Maximum concurrently-running handlers per connection"`
	MaxPayloadSize int                   `long:"max-payload-size" default:"2000000" description:"Maximum request payload size, in bytes"`
	Log            mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics    mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var srv, err = server.NewServer(server.Config{
		MaxInFlight:    cmd.MaxInFlight,
		MaxPayloadSize: cmd.MaxPayloadSize,
	}, demoHandler)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cmd.Port))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	log.WithField("addr", listener.Addr()).Info("listening")

	var tasks = task.NewGroup(context.Background())

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watchSignals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal; draining")
		case <-tasks.Context().Done():
		}
		tasks.Cancel()
		return nil
	})
	tasks.Queue("closeListener", func() error {
		<-tasks.Context().Done()
		return listener.Close()
	})
	tasks.Queue("acceptConns", func() error {
		var conns sync.WaitGroup
		for {
			var conn, err = listener.Accept()
			if err != nil {
				select {
				case <-tasks.Context().Done():
					conns.Wait() // Let served connections drain.
					return nil   // Listener closed by shutdown.
				default:
					return fmt.Errorf("accepting connection: %w", err)
				}
			}
			log.WithField("remote", conn.RemoteAddr()).Debug("accepted connection")

			conns.Add(1)
			go func() {
				defer conns.Done()
				if err := srv.Serve(tasks.Context(), transport.NewConn(conn)); err != nil {
					log.WithFields(log.Fields{
						"err":    err,
						"remote": conn.RemoteAddr(),
					}).Warn("connection failed")
				}
			}()
		}
	})

	tasks.GoRun()
	return tasks.Wait()
}

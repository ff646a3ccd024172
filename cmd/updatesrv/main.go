// Command updatesrv runs the Update Server Core (spec.md component C5)
// as a standalone process, framing requests over UDP or TCP the way the
// embedded target would over its transport of choice (spec.md section 1
// lists the transport as an external collaborator).
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mp-commits/reliable-fw-update/internal/command"
	"github.com/mp-commits/reliable-fw-update/internal/config"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
	"github.com/mp-commits/reliable-fw-update/internal/server"
	"github.com/mp-commits/reliable-fw-update/internal/wire"
)

var (
	flagConfig    string
	flagTransport string
	flagAddr      string
)

func loadCurrentApp(cfg *config.Config) (*onflash.Metadata, error) {
	drv, err := cfg.OpenInternalFlashDriver()
	if err != nil {
		return nil, err
	}

	raw := make([]byte, onflash.MetadataSize)
	if err := drv.Read(cfg.Internal.AppMetadataAddress, raw); err != nil {
		return nil, err
	}
	if onflash.IsErased(raw) {
		log.Warnf("updatesrv: no application metadata resident at 0x%x, running without a known current app", cfg.Internal.AppMetadataAddress)
		return nil, nil
	}

	meta, err := onflash.UnmarshalMetadata(raw)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func buildServer(cfg *config.Config) (*server.Server, error) {
	keystore, err := cfg.LoadKeystore()
	if err != nil {
		return nil, err
	}

	regions, err := cfg.OpenSlotRegions()
	if err != nil {
		return nil, err
	}

	caRegion, err := cfg.OpenCommandAreaRegion()
	if err != nil {
		return nil, err
	}
	ca, err := command.Init(caRegion)
	if err != nil {
		return nil, err
	}

	currentApp, err := loadCurrentApp(cfg)
	if err != nil {
		return nil, err
	}

	resetHook := func() {
		log.Warnf("updatesrv: reset requested, exiting process to simulate a device reset")
		os.Exit(0)
	}

	return server.New(keystore, regions, ca, currentApp, resetHook), nil
}

// handleFrame runs one decoded request through srv and returns the
// encoded response, firing the latched reset only after the response
// has been produced.
func handleFrame(srv *server.Server, raw []byte) []byte {
	req, err := wire.Decode(raw)
	if err != nil {
		log.Warnf("updatesrv: malformed frame: %v", err)
		return wire.Response{Ack: wire.AckNackInvalidRequest}.Encode()
	}

	resp := srv.HandleRequest(req)
	encoded := resp.Encode()
	srv.FireLatchedReset()
	return encoded
}

func serveUDP(srv *server.Server, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer conn.Close()
	log.Infof("updatesrv: listening on udp %s", addr)

	buf := make([]byte, 2048)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			log.Errorf("updatesrv: udp read failed: %v", err)
			continue
		}
		resp := handleFrame(srv, buf[:n])
		if _, err := conn.WriteTo(resp, peer); err != nil {
			log.Errorf("updatesrv: udp write failed: %v", err)
		}
	}
}

// readFrame reads one length-prefixed wire.Request off a stream
// connection: the [op:1][id:1][len:2] header, then exactly len bytes of
// payload, matching wire.headerSize's framing.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[2:4])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return append(header, body...), nil
}

func serveTCP(srv *server.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()
	log.Infof("updatesrv: listening on tcp %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Errorf("updatesrv: tcp accept failed: %v", err)
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			for {
				raw, err := readFrame(c)
				if err != nil {
					if err != io.EOF {
						log.Warnf("updatesrv: tcp connection from %s closed: %v", c.RemoteAddr(), err)
					}
					return
				}
				resp := handleFrame(srv, raw)
				if _, err := c.Write(resp); err != nil {
					log.Errorf("updatesrv: tcp write failed: %v", err)
					return
				}
			}
		}(conn)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg)
	if err != nil {
		return err
	}

	switch flagTransport {
	case "udp":
		return serveUDP(srv, flagAddr)
	case "tcp":
		return serveTCP(srv, flagAddr)
	default:
		return fmt.Errorf("unknown --transport %q, want udp|tcp", flagTransport)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "updatesrv",
		Short: "Runs the update server core over a UDP or TCP transport",
		RunE:  runServe,
	}

	root.Flags().StringVar(&flagConfig, "config", "config.yaml", "path to the device configuration file")
	root.Flags().StringVar(&flagTransport, "transport", "udp", "udp|tcp")
	root.Flags().StringVar(&flagAddr, "addr", ":4242", "listen address")

	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("updatesrv: %v", err)
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package p4driverapi is the table engine of a NETC switch exposed by a
// P4Runtime server
package p4driverapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/prototext"

	p4_config_v1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/antoninbas/p4runtime-go-client/pkg/client"
)

const (
	defaultDeviceID = 1
	primaryTimeout  = 5 * time.Second
)

// Options locate the P4Runtime server and the switch pipeline
type Options struct {
	Address    string
	DeviceID   uint64
	P4infoFile string
	BinFile    string
	DialOpts   []grpc.DialOption
}

// p4Conn is a primary P4Runtime session on one device
type p4Conn struct {
	conn       *grpc.ClientConn
	rt         p4_v1.P4RuntimeClient
	client     *client.Client
	deviceID   uint64
	electionID *p4_v1.Uint128
	info       *p4_config_v1.P4Info
	stopCh     chan struct{}
}

func dial(ctx context.Context, opts Options) (*p4Conn, error) {
	if opts.DeviceID == 0 {
		opts.DeviceID = defaultDeviceID
	}
	info, err := loadP4Info(opts.P4infoFile)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(opts.Address, opts.DialOpts...)
	if err != nil {
		return nil, fmt.Errorf("p4runtime dial %s: %w", opts.Address, err)
	}
	pc := &p4Conn{
		conn:       conn,
		rt:         p4_v1.NewP4RuntimeClient(conn),
		deviceID:   opts.DeviceID,
		electionID: &p4_v1.Uint128{High: 0, Low: 1},
		info:       info,
		stopCh:     make(chan struct{}),
	}
	if err := pc.start(ctx, opts.BinFile, opts.P4infoFile); err != nil {
		pc.close()
		return nil, err
	}
	return pc, nil
}

func (pc *p4Conn) start(ctx context.Context, binPath, p4infoPath string) error {
	resp, err := pc.rt.Capabilities(ctx, &p4_v1.CapabilitiesRequest{})
	if err != nil {
		return fmt.Errorf("capabilities rpc: %w", err)
	}
	log.Infof("P4Runtime server version is %s", resp.P4RuntimeApiVersion)

	pc.client = client.NewClient(pc.rt, pc.deviceID, pc.electionID)
	arbitrationCh := make(chan bool, 1)
	go func() {
		if err := pc.client.Run(pc.stopCh, arbitrationCh, nil); err != nil {
			log.Errorf("P4Runtime stream closed: %v", err)
		}
	}()

	waitCh := make(chan struct{}, 1)
	go pc.watchArbitration(arbitrationCh, waitCh)

	wctx, cancel := context.WithTimeout(ctx, primaryTimeout)
	defer cancel()
	select {
	case <-wctx.Done():
		return fmt.Errorf("could not become the primary client within %v", primaryTimeout)
	case <-waitCh:
	}
	return pc.loadPipeline(ctx, binPath, p4infoPath)
}

// watchArbitration logs the mastership updates and signals waitCh on the
// first one granting it. It returns when the session is closed.
func (pc *p4Conn) watchArbitration(arbitrationCh <-chan bool, waitCh chan<- struct{}) {
	sent := false
	for {
		select {
		case <-pc.stopCh:
			return
		case isPrimary, ok := <-arbitrationCh:
			if !ok {
				return
			}
			if !isPrimary {
				log.Info("We are not the primary client!")
				continue
			}
			log.Info("We are the primary client!")
			if !sent {
				waitCh <- struct{}{}
				sent = true
			}
		}
	}
}

// loadPipeline pushes the pipeline when binPath is set, otherwise it fetches
// the P4Info of the running one so that entries resolve their ids
func (pc *p4Conn) loadPipeline(ctx context.Context, binPath, p4infoPath string) error {
	if binPath != "" {
		log.Info("Setting forwarding pipe")
		if _, err := pc.client.SetFwdPipe(ctx, binPath, p4infoPath, 0); err != nil {
			return fmt.Errorf("set forwarding pipe: %w", err)
		}
		return nil
	}
	cfg, err := pc.client.GetFwdPipe(ctx, client.GetFwdPipeP4InfoAndCookie)
	if err != nil {
		return fmt.Errorf("get forwarding pipe: %w", err)
	}
	if cfg == nil || cfg.P4Info == nil {
		return errors.New("get forwarding pipe: no pipeline loaded on the device")
	}
	return nil
}

func (pc *p4Conn) close() error {
	select {
	case <-pc.stopCh:
	default:
		close(pc.stopCh)
	}
	if pc.conn == nil {
		return nil
	}
	return pc.conn.Close()
}

func loadP4Info(path string) (*p4_config_v1.P4Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("p4info: %w", err)
	}
	info := &p4_config_v1.P4Info{}
	if err := prototext.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("p4info %s: %w", path, err)
	}
	return info, nil
}

// read streams the entities matching entity
func (pc *p4Conn) read(ctx context.Context, entity *p4_v1.Entity) ([]*p4_v1.Entity, error) {
	stream, err := pc.rt.Read(ctx, &p4_v1.ReadRequest{
		DeviceId: pc.deviceID,
		Entities: []*p4_v1.Entity{entity},
	})
	if err != nil {
		return nil, err
	}
	var out []*p4_v1.Entity
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Entities...)
	}
}

func (pc *p4Conn) write(ctx context.Context, typ p4_v1.Update_Type, entity *p4_v1.Entity) error {
	_, err := pc.rt.Write(ctx, &p4_v1.WriteRequest{
		DeviceId:   pc.deviceID,
		ElectionId: pc.electionID,
		Updates:    []*p4_v1.Update{{Type: typ, Entity: entity}},
	})
	return err
}

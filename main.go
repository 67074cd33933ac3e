package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/allape/camworker/api"
	"github.com/allape/camworker/config"
	"github.com/allape/camworker/control"
	"github.com/allape/camworker/factory"
	"github.com/allape/camworker/logger"
	"github.com/allape/camworker/metrics"
	"github.com/allape/camworker/preview"
	"github.com/allape/camworker/worker"
	"golang.org/x/sync/errgroup"
)

var log = logger.New("[main]")
var verbose = logger.NewVerboseLogger("[main]")

func main() {
	conf, err := config.GetConfig()
	if err != nil {
		log.Fatalln("get config:", err)
	}
	verbose.Printf("timing: %+v", conf.Timing)

	hardware, err := factory.CameraFromConfig(conf)
	if err != nil {
		log.Fatalln("camera from config:", err)
	}

	openFile, err := factory.FileOpenerFromConfig(conf)
	if err != nil {
		log.Fatalln("file opener from config:", err)
	}

	buffer, err := factory.BufferFromConfig(conf)
	if err != nil {
		log.Fatalln("frame buffer from config:", err)
	}
	defer func() {
		_ = buffer.Close()
	}()

	frameLatch, serial, err := factory.LatchFromConfig(conf, buffer)
	if err != nil {
		log.Fatalln("latch from config:", err)
	}

	channel := control.NewChannel(conf.Control.InboundSize, conf.Control.OutboundSize)

	m := metrics.New()
	m.CounterFunc("status_dropped_total", "Status messages dropped because the outbound queue was full", channel.Dropped)

	store := preview.NewStore(factory.FrameSize(conf), conf.Timing.PreviewInterval.D())

	w, err := worker.New(&worker.Options{
		Name:       conf.Worker.Name,
		Downstream: conf.Worker.Downstream,
		Timing:     conf.Timing,
		Hardware:   hardware,
		OpenFile:   openFile,
		Buffer:     buffer,
		Channel:    channel,
		Latch:      frameLatch,
		Preview:    store,
		Metrics:    m,
	})
	if err != nil {
		log.Fatalln("new worker:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the worker stopping on EXIT takes everything else down with it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		return w.Run(ctx)
	})

	if serial != nil {
		group.Go(func() error {
			return serial.Run(ctx)
		})
	}

	if conf.API.Addr != "" {
		server := api.NewServer(api.Options{
			Addr:     conf.API.Addr,
			Cors:     conf.API.Cors,
			Username: conf.API.Username,
			Password: conf.API.Password,
			Device:   conf.Worker.Name,
			Channel:  channel,
			Worker:   w,
			Preview:  store,
			Metrics:  m,
		})
		group.Go(func() error {
			return server.Run(ctx)
		})
	} else {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-channel.Outbound():
					log.Printf("%s from %s to %s %s", msg.Command, msg.Device, msg.Value, msg.Error)
				}
			}
		})
	}

	log.Println("started")

	err = group.Wait()
	if err != nil {
		log.Fatalln("exiting with", err)
	}

	log.Println("exited")
}

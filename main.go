// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// blkmirror is a userspace daemon using BUSE for creating a block device which
// mirrors all writes of an existing device to a new target. The existing
// device keeps serving reads while a background job copies its data to the
// target. Once the job is synced and the daemon stops, the target holds the
// same data as the source.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/blockdev is a small block layer with a graph of devices and the
// drivers serving them: raw files, nbd exports, null devices, in-memory images
// and log-structured images on S3 or GCS.
//
// - internal/mirror contains the mirror driver and the job populating the
// target.
//
// - internal/aio is the asynchronous execution model all the drivers share.
//
// - internal/buseio connects a device to the buse library.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/blockdev/nbd"
	"github.com/asch/blkmirror/internal/blockdev/null"
	"github.com/asch/blkmirror/internal/blockdev/obj"
	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy"
	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy/gcs"
	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy/s3"
	"github.com/asch/blkmirror/internal/blockdev/raw"
	"github.com/asch/blkmirror/internal/buseio"
	"github.com/asch/blkmirror/internal/config"
	"github.com/asch/blkmirror/internal/metrics"
	"github.com/asch/blkmirror/internal/mirror"
	"github.com/asch/buse/lib/go/buse"
)

// Parse configuration from file and environment variables, builds the mirror
// in front of the source device and creates new buse device with it. The
// device is ran until it is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	layer, err := newLayer()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	dev, err := attachMirror(layer)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	job, err := startJob(dev)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	size := config.Cfg.Size
	if size == 0 {
		if size, err = dev.Length(); err != nil {
			log.Panic().Err(err).Send()
		}
	}

	buse, err := buse.New(buseio.New(dev, buseio.Options{
		BlockSize:      int64(config.Cfg.BlockSize),
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		Durable:        config.Cfg.Write.Durable,
	}), buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        int(config.Cfg.Threads),
		Major:          int64(config.Cfg.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           size,
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})

	if err != nil {
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered with %s!", config.Cfg.Major, humanize.IBytes(uint64(size)))

	registerSigHandlers(buse, job)

	buse.Run()

	finishJob(job)

	log.Info().Msgf("Removing buse%d", config.Cfg.Major)
	buse.RemoveDevice()

	layer.Close()
}

// Returns block layer with all drivers registered.
func newLayer() (*blockdev.Layer, error) {
	layer, err := blockdev.NewLayer(blockdev.Options{
		Threads:       config.Cfg.IOThreads,
		Whitelist:     config.Cfg.Formats,
		DefaultFormat: config.Cfg.DefaultFormat,
	})
	if err != nil {
		return nil, err
	}

	objOptions := func(format string, newStore func(path string) (objproxy.ObjectUploadDownloaderAt, error)) obj.Options {
		return obj.Options{
			Format:      format,
			NewStore:    newStore,
			Size:        config.Cfg.Obj.Size,
			BlockSize:   config.Cfg.Obj.BlockSize,
			Uploaders:   config.Cfg.Obj.Uploaders,
			Downloaders: config.Cfg.Obj.Downloaders,
			GCInterval:  time.Duration(config.Cfg.Obj.GCWait) * time.Second,
		}
	}

	layer.Register(raw.Driver)
	layer.Register(null.Driver(config.Cfg.Null.Size))
	layer.Register(nbd.Driver)
	layer.Register(obj.Driver(objOptions("s3", newS3Store)))
	layer.Register(obj.Driver(objOptions("gcs", newGCSStore)))
	layer.Register(mirror.Driver)

	return layer, nil
}

func newS3Store(path string) (objproxy.ObjectUploadDownloaderAt, error) {
	store, err := s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		Prefix:    path,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

func newGCSStore(path string) (objproxy.ObjectUploadDownloaderAt, error) {
	store, err := gcs.New(gcs.Options{
		Bucket:          config.Cfg.GCS.Bucket,
		Prefix:          path,
		CredentialsFile: config.Cfg.GCS.CredentialsFile,
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

// Opens the source and puts the mirror in front of it. The mirror takes over
// the name of the source.
func attachMirror(layer *blockdev.Layer) (*blockdev.Device, error) {
	source, err := layer.Open("drive0", config.Cfg.Source.File, blockdev.ReadWrite, config.Cfg.Source.Format)
	if err != nil {
		return nil, err
	}

	target := mirror.Prefix + config.Cfg.Target.File
	if config.Cfg.Target.Format != "" {
		target = mirror.Prefix + config.Cfg.Target.Format + ":" + config.Cfg.Target.File
	}

	dev := layer.New("")
	if err := dev.Open(target, blockdev.ReadWrite, nil); err != nil {
		dev.Delete()
		return nil, err
	}

	layer.Append(dev, source)

	return dev, nil
}

func startJob(dev *blockdev.Device) (*mirror.Job, error) {
	onSource, err := mirror.ParseErrorAction(config.Cfg.Job.OnSourceError)
	if err != nil {
		return nil, err
	}

	onTarget, err := mirror.ParseErrorAction(config.Cfg.Job.OnTargetError)
	if err != nil {
		return nil, err
	}

	return mirror.StartJob(dev, mirror.JobOptions{
		Speed:         config.Cfg.Job.Speed,
		Full:          config.Cfg.Job.Full,
		ChunkSize:     config.Cfg.Job.ChunkSize,
		OnSourceError: onSource,
		OnTargetError: onTarget,
		Verify:        config.Cfg.Job.Verify,
	})
}

// Completes the job when it is synced and the user wants it, otherwise
// cancels it. Either way the target is left as it is.
func finishJob(job *mirror.Job) {
	var err error
	if config.Cfg.Job.Complete {
		err = job.Complete()
	}

	if !config.Cfg.Job.Complete || errors.Is(err, mirror.ErrNotReady) {
		err = job.Cancel()
	}

	done, total := job.Progress()
	log.Info().Err(err).Msgf("Mirror job finished, %s of %s processed.",
		humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
}

// Register handler for graceful stop when SIGINT or SIGTERM came in and for
// reporting the job progress on SIGUSR1.
func registerSigHandlers(buse buse.Buse, job *mirror.Job) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Major)
		buse.StopDevice()
	}()

	progressChan := make(chan os.Signal, 1)
	signal.Notify(progressChan, syscall.SIGUSR1)
	go func() {
		for range progressChan {
			done, total := job.Progress()
			select {
			case <-job.Synced():
				log.Info().Msgf("Mirror job synced, %s mirrored.", humanize.IBytes(uint64(total)))
			default:
				log.Info().Msgf("Mirror job progress %s of %s.",
					humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
			}
		}
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and exports metrics. Useful for perfomance
// debugging.
func runProfiler(port int) {
	metrics.Register()
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

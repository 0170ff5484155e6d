// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/blkmirror/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Major      int   `toml:"major" env:"BLKMIRROR_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int   `toml:"threads" env:"BLKMIRROR_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	Size       int64 `toml:"size" env:"BLKMIRROR_SIZE" env-default:"0" env-description:"Device size in GB. Zero means the length of the mirror target."`
	BlockSize  int   `toml:"block_size" env:"BLKMIRROR_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool  `toml:"scheduler" env:"BLKMIRROR_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int   `toml:"queue_depth" env:"BLKMIRROR_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

	IOThreads     int      `toml:"io_threads" env:"BLKMIRROR_IOTHREADS" env-default:"0" env-description:"Number of workers running blocking drivers. Zero means one per CPU."`
	Formats       []string `toml:"formats" env:"BLKMIRROR_FORMATS" env-separator:"," env-default:"raw,null,nbd,s3,gcs" env-description:"Formats allowed for the mirror target."`
	DefaultFormat string   `toml:"default_format" env:"BLKMIRROR_DEFAULTFORMAT" env-default:"raw" env-description:"Format of filenames without protocol prefix."`

	Source struct {
		File   string `toml:"file" env:"BLKMIRROR_SOURCE_FILE" env-description:"Device being mirrored." env-default:""`
		Format string `toml:"format" env:"BLKMIRROR_SOURCE_FORMAT" env-description:"Format of the source. Empty means probing by the protocol prefix." env-default:""`
	} `toml:"source"`

	Target struct {
		File   string `toml:"file" env:"BLKMIRROR_TARGET_FILE" env-description:"Device receiving the mirrored writes." env-default:""`
		Format string `toml:"format" env:"BLKMIRROR_TARGET_FORMAT" env-description:"Format of the target. It has to be one of the allowed formats." env-default:""`
	} `toml:"target"`

	Job struct {
		Speed         int64  `toml:"speed" env:"BLKMIRROR_JOB_SPEED" env-description:"Copy speed limit in MB/s. Zero means unlimited." env-default:"0"`
		Full          bool   `toml:"full" env:"BLKMIRROR_JOB_FULL" env-description:"Copy the whole backing chain of the source, not only the top image." env-default:"false"`
		ChunkSize     int64  `toml:"chunk_size" env:"BLKMIRROR_JOB_CHUNKSIZE" env-description:"Copy chunk size in KB." env-default:"1024"`
		OnSourceError string `toml:"on_source_error" env:"BLKMIRROR_JOB_ONSOURCEERROR" env-description:"What to do when reading the source fails. report or ignore." env-default:"report"`
		OnTargetError string `toml:"on_target_error" env:"BLKMIRROR_JOB_ONTARGETERROR" env-description:"What to do when writing the target fails. report or ignore." env-default:"report"`
		Verify        bool   `toml:"verify" env:"BLKMIRROR_JOB_VERIFY" env-description:"Compare source and target when completing." env-default:"false"`
		Complete      bool   `toml:"complete" env:"BLKMIRROR_JOB_COMPLETE" env-description:"Complete the synced job on stop. Otherwise it is canceled." env-default:"true"`
	} `toml:"job"`

	Write struct {
		Durable       bool `toml:"durable" env:"BLKMIRROR_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"BLKMIRROR_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"BLKMIRROR_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"BLKMIRROR_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"BLKMIRROR_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Null struct {
		Size int64 `toml:"size" env:"BLKMIRROR_NULL_SIZE" env-description:"Size of null devices without explicit size in GB." env-default:"8"`
	} `toml:"null"`

	Obj struct {
		Size        int64 `toml:"size" env:"BLKMIRROR_OBJ_SIZE" env-description:"Size of newly created object images in GB." env-default:"8"`
		BlockSize   int64 `toml:"block_size" env:"BLKMIRROR_OBJ_BLOCKSIZE" env-description:"Block size of newly created object images." env-default:"4096"`
		Uploaders   int   `toml:"uploaders" env:"BLKMIRROR_OBJ_UPLOADERS" env-description:"Max number of uploader threads per image." env-default:"16"`
		Downloaders int   `toml:"downloaders" env:"BLKMIRROR_OBJ_DOWNLOADERS" env-description:"Max number of downloader threads per image." env-default:"16"`
		GCWait      int64 `toml:"gc_wait" env:"BLKMIRROR_OBJ_GCWAIT" env-description:"How many seconds wait before next checkpoint and dead object collection. Zero disables it." env-default:"600"`
	} `toml:"obj"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"BLKMIRROR_S3_BUCKET" env-description:"S3 Bucket name." env-default:"blkmirror"`
		Remote    string `toml:"remote" env:"BLKMIRROR_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"BLKMIRROR_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"BLKMIRROR_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"BLKMIRROR_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	GCS struct {
		Bucket          string `toml:"bucket" env:"BLKMIRROR_GCS_BUCKET" env-description:"GCS Bucket name." env-default:"blkmirror"`
		CredentialsFile string `toml:"credentials_file" env:"BLKMIRROR_GCS_CREDENTIALS" env-description:"Service account key. Empty means application default credentials." env-default:""`
	} `toml:"gcs"`

	Log struct {
		Level  int  `toml:"level" env:"BLKMIRROR_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"BLKMIRROR_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"BLKMIRROR_PROFILER" env-description:"Enable golang web profiler and metrics endpoint." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"BLKMIRROR_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024
	Cfg.Null.Size *= 1024 * 1024 * 1024
	Cfg.Obj.Size *= 1024 * 1024 * 1024
	Cfg.Job.Speed *= 1024 * 1024
	Cfg.Job.ChunkSize *= 1024
	Cfg.Write.BufSize *= 1024 * 1024
	Cfg.Write.ChunkSize *= 1024 * 1024
	Cfg.Write.CollisionSize *= 1024 * 1024
	Cfg.Read.BufSize *= 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	if Cfg.Source.File == "" {
		return errors.New("source file is not configured")
	}

	if Cfg.Target.File == "" {
		return errors.New("target file is not configured")
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("blkmirror", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

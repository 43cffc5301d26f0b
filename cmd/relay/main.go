package main

import (
	"context"
	goflag "flag"
	"time"

	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/os"
	"github.com/scenecast/relay/pkg/relay"
	"github.com/scenecast/relay/pkg/service"
	flag "github.com/spf13/pflag"
)

var Version = "?"

const shutdownTimeout = 10 * time.Second

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	conf, err := config.NewRelayConfig()
	if err == nil {
		err = conf.ParseFlags()
	}
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config fail")
	}

	lc := conf.Relay.Log
	log := logger.NewConsoleFile(conf.Relay.Debug, "r", lc.NoColor, logger.File{
		Path:       lc.File.Path,
		MaxSize:    lc.File.MaxSize,
		MaxBackups: lc.File.MaxBackups,
		MaxAge:     lc.File.MaxAge,
		Compress:   lc.File.Compress,
	})

	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	r, err := relay.New(conf, log)
	if err != nil {
		log.Fatal().Err(err).Msg("relay init fail")
	}
	var services service.Group
	services.Add(r)
	services.Start()

	<-os.ExpectTermination()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := services.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}

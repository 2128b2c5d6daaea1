// Copyright 2021-2022 The pushhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/alwitt/pushhub/cmd"
	"github.com/alwitt/pushhub/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

// subcommand a runnable component, and the config section it depends on
type subcommand struct {
	name        string
	usage       string
	description string
	// section selects the config the component needs, nil if absent
	section func(*common.SystemConfig) interface{}
	run     func(ctxt context.Context, config *common.SystemConfig, wg *sync.WaitGroup) error
}

var subcommands = []subcommand{
	{
		name:        "server",
		usage:       "Run the pushhub server",
		description: "Serves push connections, and the REST API for publishing events",
		section: func(cfg *common.SystemConfig) interface{} {
			if cfg.Server == nil {
				return nil
			}
			return cfg.Server
		},
		run: func(ctxt context.Context, config *common.SystemConfig, wg *sync.WaitGroup) error {
			return cmd.RunHubServer(ctxt, config.Server, cmdArgs.Hostname, wg)
		},
	},
	{
		name:        "watch",
		usage:       "Run a pushhub client which logs every event received",
		description: "Connects to a pushhub server, reconnecting as needed",
		section: func(cfg *common.SystemConfig) interface{} {
			if cfg.Client == nil {
				return nil
			}
			return cfg.Client
		},
		run: func(ctxt context.Context, config *common.SystemConfig, wg *sync.WaitGroup) error {
			return cmd.RunWatchClient(ctxt, config.Client, cmdArgs.Hostname, wg)
		},
	},
}

// @title pushhub
// @version v0.1.0
// @description Real-time event distribution hub over websockets

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{"module": "main", "component": "main", "instance": hostname}

	common.InstallDefaultConfigValues()

	commands := make([]*cli.Command, 0, len(subcommands))
	for _, one := range subcommands {
		commands = append(commands, &cli.Command{
			Name:        one.name,
			Usage:       one.usage,
			Description: one.description,
			Action:      one.action(),
		})
	}

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Real-time event distribution hub over websockets",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// action wrap the subcommand as a CLI action
//
// The runtime context is canceled on SIGINT. Once the subcommand returns, the wait
// group is drained before exit.
func (s subcommand) action() cli.ActionFunc {
	return func(c *cli.Context) error {
		config, err := loadConfig(s)
		if err != nil {
			return err
		}
		runTimeContext, rtCancel := signal.NotifyContext(context.Background(), os.Interrupt)
		wg := sync.WaitGroup{}
		defer wg.Wait()
		defer rtCancel()
		return s.run(runTimeContext, config, &wg)
	}
}

// loadConfig process the CMD args, and return the validated system config
//
// Only the config section used by the subcommand is validated.
func loadConfig(s subcommand) (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	log.SetLevel(log.MustParseLevel(cmdArgs.LogLevel))

	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	if tmp, err := json.MarshalIndent(&config, "", "  "); err == nil {
		log.WithFields(logTags).Debugf("%s config\n%s", s.name, tmp)
	}

	section := s.section(&config)
	if section == nil {
		return nil, fmt.Errorf("%s can't start without its configurations", s.name)
	}
	if err := validate.Struct(section); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

/*
Copyright 2024 Redress Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/redresshq/redress"
	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/database"
	"github.com/redresshq/redress/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Redress represents the CLI application, encapsulating the root Cobra command.
type Redress struct {
	cmd *cobra.Command
}

// redressInstance holds the service instance and its configuration for the
// lifetime of one command invocation.
type redressInstance struct {
	redress *redress.Redress
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the service instance
// before running any command.
func preRun(app *redressInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("redress.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newRedress, err := setupRedress(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.redress = newRedress
		app.cnf = cnf

		return nil
	}
}

// setupRedress connects the data source and builds the service instance.
func setupRedress(cfg *config.Configuration) (*redress.Redress, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newRedress, err := redress.NewRedress(db)
	if err != nil {
		return nil, fmt.Errorf("error creating redress: %v", err)
	}
	return newRedress, nil
}

// NewCLI creates the command-line interface for the application.
func NewCLI() *Redress {
	var configFile string
	r := &redressInstance{}

	var rootCmd = &cobra.Command{
		Use:   "redress",
		Short: "Complaint workflow event core",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./redress.json", "Configuration file for redress")

	rootCmd.PersistentPreRunE = preRun(r)

	rootCmd.AddCommand(serverCommands(r))
	rootCmd.AddCommand(workerCommands(r))

	return &Redress{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Redress) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}

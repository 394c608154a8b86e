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
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/redresshq/redress"
	"github.com/redresshq/redress/cache"
	"github.com/redresshq/redress/config"
	redis_db "github.com/redresshq/redress/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3
	queues[cfg.Queue.SmsQueue] = 2
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.WebhookQueue, redress.ProcessWebhook)
	mux.HandleFunc(cfg.Queue.SmsQueue, redress.ProcessSms)
}

// startDispatcher builds and starts the outbox dispatcher with the shared
// dedup cache in front of the ledger.
func startDispatcher(ctx context.Context, r *redressInstance) (*redress.Dispatcher, error) {
	dedupCache, err := cache.NewCache()
	if err != nil {
		logrus.Warnf("dedup cache unavailable, dispatcher will hit the ledger directly: %v", err)
		dedupCache = nil
	}

	dispatcher := redress.NewDispatcher(r.cnf, r.redress.Datasource(), r.redress.Bus(), r.redress.Queue(), dedupCache)
	dispatcher.Start(ctx)
	return dispatcher, nil
}

/*
workerCommands defines the "workers" command. It runs the three long-lived
loops of the event core side by side: the outbox dispatcher, the work queue
worker, and the asynq server that delivers external webhooks and queued
texts, plus an asynqmon endpoint for queue monitoring.
*/
func workerCommands(r *redressInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start redress workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			dispatcher, err := startDispatcher(ctx, r)
			if err != nil {
				log.Fatal(err)
			}
			defer dispatcher.Stop()

			worker := redress.NewWorker(conf, r.redress.Datasource(), r.redress.Queue(), nil, nil)
			if err := worker.Start(ctx); err != nil {
				log.Fatal(err)
			}
			defer worker.Stop()

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(mux)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}

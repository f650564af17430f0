// Copyright 2025 The alertstream Authors
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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/alertstream/apis"
	"github.com/alwitt/alertstream/auth"
	"github.com/alwitt/alertstream/common"
	"github.com/alwitt/alertstream/core"
	"github.com/alwitt/alertstream/dataplane"
	"github.com/alwitt/alertstream/dispatch"
	"github.com/alwitt/alertstream/registry"
	"github.com/alwitt/alertstream/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// serverComponents the core components of one server instance
type serverComponents struct {
	records     storage.RecordStore
	subscribers storage.SubscriberStore
	registry    registry.ConnectionRegistry
	gate        auth.Gate
	issuer      auth.CredentialIssuer
	hub         dataplane.WebsocketHub
	broadcaster dataplane.Broadcaster
	queue       *dispatch.IngestionQueue
	dispatcher  dispatch.Dispatcher
}

// defineComponents build the core components
func defineComponents(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) (*serverComponents, error) {
	kv := storage.GetMemoryKVStore(instance)
	result := &serverComponents{
		records:     storage.GetRecordStore(kv, nil),
		subscribers: storage.GetSubscriberStore(kv),
		registry:    registry.GetConnectionRegistry(instance),
	}

	var err error
	result.gate, result.issuer, err = auth.GetAuthGate(auth.GateParams{
		Subscribers: result.subscribers, Registry: result.registry, Config: config.Auth,
	})
	if err != nil {
		return nil, err
	}

	if result.hub, err = dataplane.GetWebsocketHub(
		runtimeContext, result.gate, config.Websocket,
	); err != nil {
		return nil, err
	}
	result.gate.SetSessionCloser(result.hub)

	if result.broadcaster, err = dataplane.GetBroadcaster(dataplane.BroadcasterParams{
		Registry: result.registry, Subscribers: result.subscribers, Transport: result.hub,
	}); err != nil {
		return nil, err
	}

	if result.queue, err = dispatch.GetIngestionQueue(config.Queue.Capacity); err != nil {
		return nil, err
	}

	if result.dispatcher, err = dispatch.DefineDispatcher(
		runtimeContext, dispatch.DispatcherParams{
			Queue:   result.queue,
			Records: result.records,
			Fanout:  result.broadcaster,
			Config:  config.Queue,
		},
	); err != nil {
		return nil, err
	}
	return result, nil
}

// defineRouter build the HTTP router serving all the APIs
func defineRouter(
	runtimeContext context.Context,
	config *common.SystemConfig,
	components *serverComponents,
	readiness []apis.ReadinessCheck,
	instance string,
) (*mux.Router, error) {
	httpConfig := &config.HTTPSetting

	queueHandler, err := apis.GetAPIRestQueueHandler(
		runtimeContext, components.queue, components.dispatcher, config.Ingest, httpConfig,
	)
	if err != nil {
		return nil, err
	}
	recordHandler, err := apis.GetAPIRestRecordHandler(components.records, httpConfig)
	if err != nil {
		return nil, err
	}
	subscriberHandler, err := apis.GetAPIRestSubscriberHandler(apis.SubscriberHandlerParams{
		Subscribers: components.subscribers,
		Records:     components.records,
		Issuer:      components.issuer,
		Registry:    components.registry,
		Sender:      components.broadcaster,
	}, httpConfig)
	if err != nil {
		return nil, err
	}
	dataplaneHandler, err := apis.GetAPIRestDataplaneHandler(
		components.hub, components.broadcaster, httpConfig, readiness...,
	)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Queue routes
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/queue/record/{recordID}", map[string]http.HandlerFunc{
		"post": queueHandler.EnqueueRecordHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/queue/status", map[string]http.HandlerFunc{
		"get": queueHandler.QueueStatusHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/queue/statistics", map[string]http.HandlerFunc{
		"get": queueHandler.QueueStatisticsHandler(),
	})

	// Record routes
	recordRouter := apis.RegisterPathPrefix(mainRouter, "/v1/record", map[string]http.HandlerFunc{
		"post": recordHandler.SaveRecordHandler(),
		"get":  recordHandler.ListRecordsHandler(),
	})
	_ = apis.RegisterPathPrefix(recordRouter, "/recent", map[string]http.HandlerFunc{
		"get": recordHandler.RecentRecordsHandler(),
	})
	_ = apis.RegisterPathPrefix(recordRouter, "/period", map[string]http.HandlerFunc{
		"get": recordHandler.RecordsByPeriodHandler(),
	})
	_ = apis.RegisterPathPrefix(recordRouter, "/search", map[string]http.HandlerFunc{
		"get": recordHandler.SearchRecordsHandler(),
	})
	_ = apis.RegisterPathPrefix(recordRouter, "/statistics", map[string]http.HandlerFunc{
		"get": recordHandler.RecordStatisticsHandler(),
	})
	perRecordRouter := apis.RegisterPathPrefix(
		recordRouter, "/{recordID}", map[string]http.HandlerFunc{
			"get": recordHandler.GetRecordHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(perRecordRouter, "/exists", map[string]http.HandlerFunc{
		"get": recordHandler.RecordExistsHandler(),
	})

	// Subscriber routes
	subscriberRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/subscriber", map[string]http.HandlerFunc{
			"post": subscriberHandler.CreateSubscriberHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(subscriberRouter, "/active", map[string]http.HandlerFunc{
		"get": subscriberHandler.ActiveSubscribersHandler(),
	})
	_ = apis.RegisterPathPrefix(subscriberRouter, "/connected", map[string]http.HandlerFunc{
		"get": subscriberHandler.ConnectedSubscribersHandler(),
	})
	_ = apis.RegisterPathPrefix(
		subscriberRouter, "/connections/status", map[string]http.HandlerFunc{
			"get": subscriberHandler.ConnectionStatusHandler(),
		},
	)
	perSubscriberRouter := apis.RegisterPathPrefix(
		subscriberRouter, "/{subscriberID}", map[string]http.HandlerFunc{
			"get": subscriberHandler.GetSubscriberHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(perSubscriberRouter, "/auth", map[string]http.HandlerFunc{
		"post": subscriberHandler.VerifyCredentialHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriberRouter, "/token", map[string]http.HandlerFunc{
		"post": subscriberHandler.RefreshTokenHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriberRouter, "/activate", map[string]http.HandlerFunc{
		"put": subscriberHandler.ActivateSubscriberHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriberRouter, "/deactivate", map[string]http.HandlerFunc{
		"put": subscriberHandler.DeactivateSubscriberHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriberRouter, "/connection", map[string]http.HandlerFunc{
		"get": subscriberHandler.SubscriberConnectionHandler(),
	})
	_ = apis.RegisterPathPrefix(
		perSubscriberRouter, "/record/{recordID}", map[string]http.HandlerFunc{
			"post": subscriberHandler.SendRecordHandler(),
		},
	)

	// Subscriber session and notices
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": dataplaneHandler.SessionHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/notice", map[string]http.HandlerFunc{
		"post": dataplaneHandler.BroadcastNoticeHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": dataplaneHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": dataplaneHandler.ReadyHandler(),
	})

	// Add logging
	accessLog := apis.GetRequestLogger(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})
	router.Use(handlers.RecoveryHandler(
		handlers.RecoveryLogger(accessLog), handlers.PrintRecoveryStack(true),
	))

	return router, nil
}

// RunServer run the alertstream server until the runtime context is cancelled
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	components, err := defineComponents(runtimeContext, config, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define core components")
		return err
	}
	defer components.gate.Stop()

	readiness := []apis.ReadinessCheck{}

	// Optional NATS record announcements
	if config.NATS.Enabled {
		natsClient, err := core.GetNatsClient(core.ConvertNATSConfig(config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
		listener, err := dataplane.GetNatsRecordListener(natsClient, config.NATS, components.queue)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS record listener")
			return err
		}
		if err := listener.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS record listener")
			return err
		}
		defer func() {
			if err := listener.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("NATS record listener stop failure")
			}
		}()
		readiness = append(readiness, natsClient.Connected)
	}

	// Start the dispatcher
	if err := components.dispatcher.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start dispatcher")
		return err
	}
	defer func() {
		if err := components.dispatcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Dispatcher stop failure")
		}
	}()

	// Periodic status report
	statusTimer, err := common.GetIntervalTimerInstance(runtimeContext, "status-report", wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status report timer")
		return err
	}
	if err := statusTimer.Start(
		time.Second*time.Duration(config.StatusReportInterval),
		func() error {
			if pending := components.gate.Reconcile(runtimeContext); pending > 0 {
				log.WithFields(logTags).Warnf("%d subscriber bindings waiting to be cleared", pending)
			}
			queueStatus := components.queue.Status()
			connStatus := components.registry.Status()
			dispatched := components.dispatcher.Counters()
			log.WithFields(logTags).Infof(
				"Queue %d/%d (%.1f%%) dispatched %d discarded %d; %d connections, %d sessions",
				queueStatus.CurrentSize,
				queueStatus.Capacity,
				queueStatus.UtilizationRate,
				dispatched.Dispatched,
				dispatched.Discarded,
				connStatus.TotalConnections,
				components.hub.ActiveSessions(),
			)
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start status report timer")
		return err
	}
	defer func() {
		if err := statusTimer.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Status report timer stop failure")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	router, err := defineRouter(runtimeContext, config, components, readiness, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP router")
		return err
	}

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Shutdown does not close hijacked connections
	components.hub.Shutdown()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

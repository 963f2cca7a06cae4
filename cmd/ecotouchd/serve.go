package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/speters/ecotouchd/pkg/config"
	"github.com/speters/ecotouchd/pkg/ecotouch"
	"github.com/speters/ecotouchd/pkg/mqtt"
	"github.com/speters/ecotouchd/pkg/poller"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll all configured devices and serve their values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if len(cfg.Devices) == 0 {
			return errors.New("no devices configured")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// buildClients creates one client per configured device with its active tags set
func buildClients(c *config.Config) (map[string]*ecotouch.Client, error) {
	clients := make(map[string]*ecotouch.Client, len(c.Devices))
	for _, d := range c.Devices {
		client, err := ecotouch.NewClient(c.ClientOptions(d))
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", d.Name)
		}
		names, err := d.TagNames()
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", d.Name)
		}
		if err := client.SetActiveTags(names...); err != nil {
			return nil, errors.Wrapf(err, "device %s", d.Name)
		}
		clients[d.Name] = client
	}
	return clients, nil
}

// listenAddress accepts :[portnum] as well as [portnum]
func listenAddress(s string) string {
	if i, err := strconv.Atoi(s); err == nil {
		return fmt.Sprintf(":%d", i)
	}
	return s
}

func serve(ctx context.Context, c *config.Config) error {
	clients, err := buildClients(c)
	if err != nil {
		return err
	}

	var pubs []poller.Publisher
	if c.MQTT.Enabled {
		pub := mqtt.NewPublisher(c.MQTT)
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
		pubs = append(pubs, pub)
	}

	p := poller.New(c.Poll.Interval, c.Poll.TooManyUsersBackoff, pubs...)
	for name, client := range clients {
		p.Add(name, client, client.ActiveTags())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if c.Listen != "" {
		a := &api{clients: clients, poller: p}
		h := &http.Server{Addr: listenAddress(c.Listen), Handler: a.router()}
		g.Go(func() error {
			log.Infof("Serving REST api at %v", h.Addr)
			if err := h.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return h.Shutdown(sctx)
		})
	}

	log.Infof("Polling %v devices every %v", len(clients), c.Poll.Interval)
	err = g.Wait()
	if err == nil {
		log.Info("Shut down")
	}
	return err
}

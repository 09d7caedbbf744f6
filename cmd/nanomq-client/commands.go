package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/nanomq/internal/client"
	"github.com/oriys/nanomq/internal/config"
	"github.com/oriys/nanomq/internal/logging"
	"github.com/oriys/nanomq/internal/protocol"
)

func loadClientConfig() (config.ClientConfig, time.Duration) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		if loaded, err := config.LoadFromFile(configFile); err == nil {
			cfg = loaded
		}
	}
	config.LoadFromEnv(cfg)
	return cfg.Client, cfg.Ack.AckTimeout()
}

func publishCmd() *cobra.Command {
	var label string
	var expireSeconds uint32

	cmd := &cobra.Command{
		Use:   "publish <queue> <body>",
		Short: "Enqueue one message onto a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientCfg, ackTimeout := loadClientConfig()
			c := client.New(brokerAddr, clientCfg, ackTimeout, 0, nil, logging.Op())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Disconnect()
			return c.Publish(args[0], label, args[1], expireSeconds)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "message label")
	cmd.Flags().Uint32Var(&expireSeconds, "expire-seconds", 0, "expire after this many seconds (0 = never)")
	return cmd
}

func subscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <queue>",
		Short: "Subscribe to a queue and print deliveries until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events := &client.Events{
				OnMessage: func(queue string, msg *protocol.Message) {
					fmt.Printf("[%s] %s: %s\n", queue, msg.Label, msg.Body)
				},
				OnDisconnect: func(err error) {
					fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
				},
				OnReconnect: func() {
					fmt.Fprintln(os.Stderr, "reconnected")
				},
			}

			clientCfg, ackTimeout := loadClientConfig()
			c := client.New(brokerAddr, clientCfg, ackTimeout, 0, events, logging.Op())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Connect(ctx); err != nil {
				cancel()
				return err
			}
			cancel()
			defer c.Disconnect()

			if err := c.Subscribe(args[0]); err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-sigCtx.Done()
			return nil
		},
	}
	return cmd
}

func queryCmd() *cobra.Command {
	var timeout time.Duration
	var label string

	cmd := &cobra.Command{
		Use:   "query <queue> <body>",
		Short: "Send a query and wait for a reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientCfg, ackTimeout := loadClientConfig()
			c := client.New(brokerAddr, clientCfg, ackTimeout, 0, nil, logging.Op())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Connect(ctx); err != nil {
				cancel()
				return err
			}
			cancel()
			defer c.Disconnect()

			reply, err := c.Query(context.Background(), args[0], label, args[1], timeout)
			if err != nil {
				return err
			}
			fmt.Println(reply.Body)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "query timeout (0 = use client default)")
	cmd.Flags().StringVar(&label, "label", "", "message label")
	return cmd
}

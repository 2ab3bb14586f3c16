package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchUnreadOnly  bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchUnreadOnly, "unread", false, "Only list conversations with unread messages")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the conversation list and notices as they change",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var reg *prometheus.Registry
		if watchMetricsAddr != "" {
			reg = prometheus.NewRegistry()
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		var registerer prometheus.Registerer
		if reg != nil {
			registerer = reg
		}
		s, err := openSession(ctx, registerer)
		if err != nil {
			return err
		}
		defer s.Close()
		e := s.engine

		list, err := e.Conversations(ctx)
		if err != nil {
			return err
		}
		printConversations(list)

		// Observers run on the engine loop; printing is all they do.
		scope := e.Scope()
		defer scope.Close()
		scope.Observe(chatsync.TopicConversations, func(_ string, p interface{}) {
			if list, ok := p.([]chatsync.ConversationSummary); ok {
				printConversations(list)
			}
		})
		scope.Observe(chatsync.TopicNotice, func(_ string, p interface{}) {
			if n, ok := p.(chatsync.Notice); ok {
				printNotice(n)
			}
		})
		scope.Observe(chatsync.TopicConnection, func(_ string, p interface{}) {
			fmt.Printf("[%s] connection %v\n", time.Now().Format(time.TimeOnly), p)
		})

		select {
		case <-ctx.Done():
			return nil
		case err := <-s.done:
			return err
		}
	},
}

func printConversations(list []chatsync.ConversationSummary) {
	fmt.Printf("\n[%s] %d conversations\n", time.Now().Format(time.TimeOnly), len(list))
	for _, c := range list {
		if watchUnreadOnly && c.Unread == 0 {
			continue
		}
		var flags []string
		if c.Kind == chatsync.ConversationGroup {
			flags = append(flags, "group")
		} else if !c.Friend {
			flags = append(flags, "stranger")
		}
		if c.Online {
			flags = append(flags, "online")
		}
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" (%d)", c.Unread)
		}
		tag := ""
		if len(flags) > 0 {
			tag = " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Printf("  %-28s%s%s  %s\n", c.Name, tag, unread, truncate(c.Preview, 48))
	}
}

func printNotice(n chatsync.Notice) {
	switch n.Kind {
	case chatsync.NoticeActionFailed:
		fmt.Printf("[%s] %s %s failed: %s\n", n.At.Format(time.TimeOnly), n.Action, n.Target, valueOrDefault(n.Code, n.Message))
	default:
		fmt.Printf("[%s] %s %s\n", n.At.Format(time.TimeOnly), n.Kind, n.Message)
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"biomarker-session/internal/enginestub"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr   string
		script enginestub.Script
	)
	cmd := &cobra.Command{
		Use:           "enginestub",
		Short:         "Serve a scripted fake analysis engine for local runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			srv := &http.Server{
				Addr:              addr,
				Handler:           enginestub.New(script).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.Printf("Engine stub listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.Flags().DurationVar(&script.StepDelay, "step-delay", 500*time.Millisecond, "pause between notifications")
	cmd.Flags().IntVar(&script.FailStreams, "fail-streams", 0, "answer the first n stream connections with 503")
	cmd.Flags().IntVar(&script.CutAfter, "cut-after", 0, "drop the first stream after n notifications")
	cmd.Flags().BoolVar(&script.EmbedResult, "embed-result", false, "embed the result in the complete notification")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/winefact/winefact/config"
	"github.com/winefact/winefact/internal/extract"
	"github.com/winefact/winefact/internal/research"
	srv "github.com/winefact/winefact/internal/server"
	"github.com/winefact/winefact/internal/store"
)

// researchCMD runs one pipeline end to end from the terminal and prints the
// extracted facts as JSON. Useful for smoke-testing a deployment without
// going through the HTTP API.
func researchCMD() *cobra.Command {
	var cfgPath string
	var fieldsFlag string
	var vintage string

	var cmd = &cobra.Command{
		Use:   "research <subject name>",
		Short: "Run one extraction pipeline for a subject",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			llm, err := srv.NewLLM(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN(), llm, nil)
			if err != nil {
				return err
			}
			orch, err := srv.BuildOrchestrator(cfg, llm, nil, st)
			if err != nil {
				return err
			}

			fields := extract.KnownFields()
			if fieldsFlag != "" {
				fields = strings.Split(fieldsFlag, ",")
			}
			subject := research.Subject{
				ID:        uuid.NewString(),
				Name:      strings.Join(args, " "),
				CreatedAt: time.Now().UTC(),
			}
			if vintage != "" {
				subject.Attrs = map[string]string{"vintage": vintage}
			}
			if err := st.SaveSubject(ctx, subject); err != nil {
				return err
			}

			result, err := orch.Run(ctx, subject, fields)
			if err != nil {
				return fmt.Errorf("run %s: %w", result.Run.ID, err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&fieldsFlag, "fields", "", "comma-separated fields (default: all known)")
	cmd.Flags().StringVar(&vintage, "vintage", "", "vintage year hint")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alshifa-dental/scheduling/libs/config"
	"github.com/alshifa-dental/scheduling/libs/db"
	"github.com/alshifa-dental/scheduling/libs/grpcx"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or revert the scheduling schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(db.MigrateUp), string(db.MigrateDown)},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(databaseURL) == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			if err := storage.Migrate(databaseURL, db.MigrateDirection(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s complete\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", config.String("DATABASE_URL", ""), "postgres url")
	return cmd
}

func newScheduleCmd(api func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Read or change a provider's working hours and slot policy",
	}

	get := &cobra.Command{
		Use:  "get PROVIDER_ID",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if _, err := api().do(cmd.Context(), http.MethodGet, "/v1/providers/"+url.PathEscape(args[0])+"/schedule", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	var (
		workStart, workEnd, mode, timezone, style string
		slotMinutes, breakMinutes                 int
		wantsBreaks                               bool
	)
	set := &cobra.Command{
		Use:   "set PROVIDER_ID",
		Short: "Update only the flags that are given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("work-start") {
				body["work_start"] = workStart
			}
			if flags.Changed("work-end") {
				body["work_end"] = workEnd
			}
			if flags.Changed("slot-minutes") {
				body["slot_duration_minutes"] = slotMinutes
			}
			if flags.Changed("break-minutes") {
				body["break_duration_minutes"] = breakMinutes
			}
			if flags.Changed("mode") {
				body["slot_mode"] = mode
			}
			if flags.Changed("timezone") {
				body["timezone"] = timezone
			}
			if flags.Changed("style") {
				body["consultation_style"] = style
			}
			if flags.Changed("breaks") {
				body["wants_breaks"] = wantsBreaks
			}
			var out map[string]any
			if _, err := api().do(cmd.Context(), http.MethodPut, "/v1/providers/"+url.PathEscape(args[0])+"/schedule", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	set.Flags().StringVar(&workStart, "work-start", "09:00", "start of working hours (HH:MM)")
	set.Flags().StringVar(&workEnd, "work-end", "17:00", "end of working hours (HH:MM)")
	set.Flags().IntVar(&slotMinutes, "slot-minutes", 30, "slot length in minutes")
	set.Flags().IntVar(&breakMinutes, "break-minutes", 0, "break after each slot in minutes")
	set.Flags().StringVar(&mode, "mode", "continuous", "continuous, interleaved or custom")
	set.Flags().StringVar(&timezone, "timezone", "UTC", "IANA time zone")
	set.Flags().StringVar(&style, "style", "", "consultation style preset: fast, normal, detailed, surgery")
	set.Flags().BoolVar(&wantsBreaks, "breaks", false, "10-minute breaks between slots")

	cmd.AddCommand(get, set)
	return cmd
}

func newSlotsCmd(api func() *apiClient) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "slots PROVIDER_ID",
		Short: "List open slots for a day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Slots []struct {
					Token       string `json:"token"`
					DisplayTime string `json:"display_time"`
				} `json:"slots"`
			}
			path := "/v1/providers/" + url.PathEscape(args[0]) + "/slots?date=" + url.QueryEscape(date)
			if _, err := api().do(cmd.Context(), http.MethodGet, path, nil, nil, &out); err != nil {
				return err
			}
			if len(out.Slots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no openings")
				return nil
			}
			for _, s := range out.Slots {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.DisplayTime, s.Token)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", time.Now().Format(time.DateOnly), "day to list (YYYY-MM-DD)")
	return cmd
}

func newBookCmd(api func() *apiClient) *cobra.Command {
	var date, subject, reason, key string
	cmd := &cobra.Command{
		Use:   "book TOKEN",
		Short: "Book a slot token from 'slots'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			headers := map[string]string{}
			if key != "" {
				headers["Idempotency-Key"] = key
			}
			var out map[string]any
			status, err := api().do(cmd.Context(), http.MethodPost, "/v1/bookings", headers, map[string]string{
				"token":      args[0],
				"date":       date,
				"subject_id": subject,
				"reason":     reason,
			}, &out)
			if err != nil {
				return err
			}
			if status == http.StatusOK {
				fmt.Fprintln(cmd.ErrOrStderr(), "replayed earlier booking")
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&date, "date", time.Now().Format(time.DateOnly), "day of the slot (YYYY-MM-DD)")
	cmd.Flags().StringVar(&subject, "subject", "", "patient id")
	cmd.Flags().StringVar(&reason, "reason", "", "visit reason")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "makes retries return the first booking")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newCancelCmd(api func() *apiClient) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel RESERVATION_ID",
		Short: "Cancel a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if _, err := api().do(cmd.Context(), http.MethodPost, "/v1/reservations/"+url.PathEscape(args[0])+"/cancel", nil,
				map[string]string{"reason": reason}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newStatusCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:       "status RESERVATION_ID STATUS",
		Short:     "Move a reservation to confirmed, completed or no_show",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"confirmed", "cancelled", "completed", "no_show"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if _, err := api().do(cmd.Context(), http.MethodPost, "/v1/reservations/"+url.PathEscape(args[0])+"/status", nil,
				map[string]string{"status": args[1]}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newHealthCmd() *cobra.Command {
	var addr, service string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpcx.Dial(addr, grpcx.DialOptions{})
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GetStatus().String())
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", addr, resp.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.String("SCHEDULING_GRPC_ADDR", "localhost:9090"), "grpc address")
	cmd.Flags().StringVar(&service, "service", "", "service name; empty checks the server as a whole")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"lifelink/internal/config"
	"lifelink/internal/infra"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/types"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one dispatch sweep: expire offers, cancel stale emergencies, assign the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, sweepErr := a.dispatch.Sweep(cmd.Context())
			if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
				return err
			}
			return sweepErr
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)
			db, err := infra.NewDB(cmd.Context(), cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := infra.Migrate(cmd.Context(), db, dir)
			if err != nil {
				return err
			}
			log.WithField("statements", n).Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().String("dir", "migrations", "directory holding *.sql migrations")
	return cmd
}

func ambulanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ambulance",
		Short: "Manage the ambulance registry",
	}

	var (
		req       ambulance.RegisterCommand
		equipment string
		baseLat   float64
		baseLng   float64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register an ambulance; it starts offline until the crew logs in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := infra.NewDB(cmd.Context(), cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if equipment != "" {
				req.Equipment = strings.Split(equipment, ",")
			}
			if cmd.Flags().Changed("base-lat") || cmd.Flags().Changed("base-lng") {
				req.BaseLocation = &types.Point{Lat: baseLat, Lng: baseLng}
			}
			a, err := registerAmbulance(cmd.Context(), ambulance.NewService(ambulance.NewStore(db)), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s) id=%s\n", a.VehicleNumber, a.Type, a.ID)
			return nil
		},
	}
	add.Flags().StringVar(&req.VehicleNumber, "vehicle", "", "vehicle registration number")
	add.Flags().StringVar(&req.DeviceID, "device", "", "crew device id used at login")
	add.Flags().StringVar(&req.Password, "password", "", "crew login password")
	add.Flags().StringVar(&req.DriverName, "driver", "", "driver name")
	add.Flags().StringVar(&req.DriverPhone, "phone", "", "driver phone for SMS alerts")
	add.Flags().StringVar(&req.DriverLicense, "license", "", "driver licence number")
	add.Flags().StringVar((*string)(&req.Type), "type", string(ambulance.TypeBasic), "basic, advanced, or neonatal")
	add.Flags().StringVar(&equipment, "equipment", "", "comma-separated equipment list")
	add.Flags().Float64Var(&baseLat, "base-lat", 0, "station latitude")
	add.Flags().Float64Var(&baseLng, "base-lng", 0, "station longitude")
	for _, f := range []string{"vehicle", "device", "password", "driver"} {
		_ = add.MarkFlagRequired(f)
	}

	cmd.AddCommand(add)
	return cmd
}

type registrar interface {
	Register(ctx context.Context, cmd ambulance.RegisterCommand) (*ambulance.Ambulance, error)
}

func registerAmbulance(ctx context.Context, svc registrar, req ambulance.RegisterCommand) (*ambulance.Ambulance, error) {
	req.Type = ambulance.Type(strings.ToLower(string(req.Type)))
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown ambulance type %q", ambulance.ErrBadRequest, req.Type)
	}
	return svc.Register(ctx, req)
}

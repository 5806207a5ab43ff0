package app

import (
	"context"

	"campaignq/internal/config"
	"campaignq/internal/quota"
	"campaignq/internal/storage"
	logx "campaignq/pkg/logx"
)

// ReadLimits reports the quota from the configured store without starting
// the service. It never writes, so it is safe next to a running serve.
func ReadLimits(ctx context.Context, cfg *config.Config, log logx.Logger) (quota.Status, error) {
	sc := mapStorageConfig(cfg)
	sc.ReadOnly = true
	store, err := storage.Open(sc, log)
	if err != nil {
		return quota.Status{}, err
	}
	defer func() { _ = store.Close() }()

	loc, err := cfg.Quota.Location()
	if err != nil {
		return quota.Status{}, err
	}
	lim := quota.New(store, quota.Options{
		HourlyLimit:  cfg.Quota.HourlyLimit,
		DailyLimit:   cfg.Quota.DailyLimit,
		ThresholdPct: cfg.Quota.ThresholdPct,
		Location:     loc,
		Log:          log,
	})
	return lim.Peek(ctx)
}

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/app"
	"github.com/ignite/repricer/internal/config"
	"github.com/ignite/repricer/internal/domain"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNew_InMemoryFallback(t *testing.T) {
	cfg := loadConfig(t, "engine:\n  dry_run: true\n")
	cfg.RulesSeedPath = filepath.Join("..", "..", "config", "rules.yaml")

	a, err := app.New(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Forecast)
	assert.Nil(t, a.Archive)
	assert.Nil(t, a.Engine.PriceHistory())

	require.NoError(t, a.SeedRules(context.Background()))
	rules, err := a.Rules.List(context.Background(), domain.RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	require.NoError(t, a.Start(context.Background()))
}

func TestNew_RedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, "engine:\n  dry_run: true\nredis:\n  url: redis://"+mr.Addr()+"\n")

	a, err := app.New(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis)
}

func TestNew_UnreachableRedisFallsBack(t *testing.T) {
	cfg := loadConfig(t, "engine:\n  dry_run: true\nredis:\n  url: redis://127.0.0.1:1\n")

	a, err := app.New(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Redis)
}

func TestNew_ForecastEnabled(t *testing.T) {
	cfg := loadConfig(t, "engine:\n  dry_run: true\nforecast:\n  enabled: true\n  base_url: http://127.0.0.1:1\n")

	a, err := app.New(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Forecast)
}

func TestNew_RuleServiceCompilesNotifications(t *testing.T) {
	cfg := loadConfig(t, "engine:\n  dry_run: true\n")
	a, err := app.New(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()

	r := domain.RepricingRule{
		Name:   "broken notification",
		Type:   domain.RuleCompetitive,
		Target: domain.TargetConfiguration{AllProducts: true},
		Triggers: domain.TriggerConditions{Primary: domain.ConditionSpec{
			Kind: domain.CondManual,
		}},
		Actions: domain.RuleActions{
			Primary: domain.ActionSpec{Kind: domain.ActAdjustPercent, Adjust: &domain.AdjustParams{Percent: 1}},
			Notifications: []domain.NotificationSpec{{
				Channel:  domain.ChannelLog,
				On:       []domain.NotifyOn{domain.NotifyOnSuccess},
				Template: "changed",
				When:     "event ==",
			}},
		},
	}
	_, err = a.Rules.Create(context.Background(), r)
	assert.True(t, domain.IsValidationError(err), "got %v", err)
}

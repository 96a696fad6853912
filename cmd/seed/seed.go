package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/meterly/cost-ledger-api/internal/aggregate"
	"github.com/meterly/cost-ledger-api/internal/budget"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/internal/pricing"
	"github.com/meterly/cost-ledger-api/internal/store/cache"
	"github.com/meterly/cost-ledger-api/internal/store/model"
	"github.com/meterly/cost-ledger-api/internal/store/sqlite"
	"github.com/meterly/cost-ledger-api/pkg/api"
	"go.uber.org/zap"
)

const (
	orgID       = "org_demo"
	campaignTag = "summer-launch"
)

var (
	users  = []string{"user_ana", "user_bo", "user_cruz"}
	models = []string{"gpt-4o", "gpt-4o-mini", "claude-sonnet-4", "text-embedding-3-small"}
	ops    = []api.OperationKind{api.OpTextGeneration, api.OpObjectGeneration, api.OpEmbedding, api.OpImageGeneration}
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() {
		_ = logger.Sync()
	}()

	repo, err := sqlite.NewSQLiteStorage("ledger.db", logger)
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	ctx := context.Background()

	alloc := &model.BudgetAllocation{
		OrgID:            orgID,
		PeriodType:       "monthly",
		AllocatedMicros:  500_000_000, // $500
		ThresholdPercent: 80,
	}
	if err := repo.Budgets().Upsert(ctx, alloc); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Budget allocation: org=%s $%.2f/monthly, alert at %.0f%%\n",
		orgID, float64(alloc.AllocatedMicros)/1e6, alloc.ThresholdPercent)

	table, err := pricing.Default()
	if err != nil {
		log.Fatal(err)
	}

	aggregator := aggregate.New(logger, repo, aggregate.AllPeriodTypes)
	monitor := budget.NewMonitor(logger, repo)
	dispatcher := budget.NewDispatcher(logger, repo, &budget.LogNotifier{Logger: logger})
	dispatcher.Start(ctx)

	service := ledger.NewService(logger, repo, pricing.NewProvider(table),
		aggregator, monitor, dispatcher, cache.NewMemoryCache())

	now := time.Now().UTC()
	for i := 0; i < 40; i++ {
		op := ops[rand.Intn(len(ops))]
		event := &api.UsageEvent{
			Operation:    op,
			Model:        models[rand.Intn(len(models))],
			UserID:       users[rand.Intn(len(users))],
			OrgID:        orgID,
			ResourceID:   fmt.Sprintf("asset_%03d", i),
			ResourceType: "article",
			Timestamp:    now.Add(-time.Duration(rand.Intn(72)) * time.Hour),
			Success:      true,
			Tokens: &api.TokenUsage{
				InputTokens:  int64(rand.Intn(20_000) + 500),
				OutputTokens: int64(rand.Intn(4_000) + 100),
			},
			Metadata: map[string]string{"source": "seed"},
		}
		if i%3 == 0 {
			event.CampaignTag = campaignTag
		}

		resp, err := service.RecordOperation(ctx, event)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("recorded %s %-18s $%.6f (%s)\n", op, event.Model, resp.CostUSD, resp.AuditID[:8])
	}

	fmt.Println("\nSuccessfully seeded ledger.db")
	fmt.Printf("Try: GET /ledger/v1/summary?org=%s&period=daily\n", orgID)
}

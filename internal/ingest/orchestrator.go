package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

type OrchestratorOptions struct {
	Store      taskstore.Store
	Classifier *classify.Classifier
	Providers  []Provider
	// Refreshers maps sources to their token refresher; sources without
	// one never attempt a refresh.
	Refreshers map[taskstore.Source]TokenRefresher
	// Rebuild lists sources synced in purge-then-reinsert mode. Nil
	// applies the default: Canvas only.
	Rebuild   map[taskstore.Source]bool
	EventSink EventSink
	Logger    Logger
}

// Orchestrator runs provider syncs: fetch, classify/normalize per item,
// upsert, aggregate counters. Items are processed strictly one at a
// time; a failing item is counted and skipped, never fatal to the batch.
type Orchestrator struct {
	store      taskstore.Store
	classifier *classify.Classifier
	providers  map[taskstore.Source]Provider
	refreshers map[taskstore.Source]TokenRefresher
	rebuild    map[taskstore.Source]bool
	sink       EventSink
	logger     Logger
	now        func() time.Time
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("orchestrator requires a classifier")
	}
	providers := make(map[taskstore.Source]Provider, len(opts.Providers))
	for _, provider := range opts.Providers {
		if provider == nil {
			continue
		}
		providers[provider.Source()] = provider
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("orchestrator requires at least one provider")
	}
	rebuild := opts.Rebuild
	if rebuild == nil {
		// Only Canvas purges before re-sync by default. The other
		// providers update in place; callers opt them in via Rebuild.
		rebuild = map[taskstore.Source]bool{taskstore.SourceCanvas: true}
	}
	sink := opts.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Orchestrator{
		store:      opts.Store,
		classifier: opts.Classifier,
		providers:  providers,
		refreshers: opts.Refreshers,
		rebuild:    rebuild,
		sink:       sink,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// SyncProvider runs one provider's sync for one user. Partial failures
// are reported through the summary counters; the returned error is
// reserved for provider-level conditions (not connected, auth expired,
// upstream unavailable) where no items were processed at all.
func (o *Orchestrator) SyncProvider(ctx context.Context, userID string, source taskstore.Source) (Summary, error) {
	summary := Summary{Provider: source}
	if strings.TrimSpace(userID) == "" {
		return summary, taskstore.ErrInvalidInput
	}
	provider, ok := o.providers[source]
	if !ok {
		return summary, fmt.Errorf("%w: no provider registered for %s", ErrNotConnected, source)
	}

	integration, err := o.store.GetIntegration(ctx, userID, source)
	if errors.Is(err, taskstore.ErrNotFound) {
		return o.failSummary(summary, userID, ErrNotConnected)
	}
	if err != nil {
		return o.failSummary(summary, userID, err)
	}
	if !integration.IsConnected || strings.TrimSpace(integration.AccessToken) == "" {
		return o.failSummary(summary, userID, ErrNotConnected)
	}

	now := o.now()
	if refresher, hasRefresher := o.refreshers[source]; hasRefresher && integration.TokenExpired(now) {
		refreshed, err := refresher.Refresh(ctx, integration)
		if err != nil {
			return o.failSummary(summary, userID, fmt.Errorf("%w: %v", ErrAuthExpired, err))
		}
		if refreshed, err = o.store.SaveIntegration(ctx, refreshed); err != nil {
			return o.failSummary(summary, userID, err)
		}
		integration = refreshed
	}

	o.publish(userID, source, PhaseFetching, summary, "")
	items, err := provider.Fetch(ctx, integration)
	if err != nil {
		return o.failSummary(summary, userID, err)
	}

	// Purge only after the fetch succeeded, so an upstream outage can
	// never wipe a user's tasks without replacements on the way.
	if o.rebuild[source] {
		if _, err := o.store.DeleteBySource(ctx, userID, source); err != nil {
			return o.failSummary(summary, userID, err)
		}
	}

	nc := NormalizeContext{UserID: userID, Classifier: o.classifier, Now: now}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.Key()]; dup {
			continue
		}
		seen[item.Key()] = struct{}{}
		summary.ItemsProcessed++
		o.processItem(ctx, nc, item, &summary)
		o.publish(userID, source, PhaseProcessing, summary, "")
	}

	if err := o.store.TouchLastSynced(ctx, userID, source, o.now()); err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		o.logger.Printf("sync %s/%s: touch last synced: %v", userID, source, err)
	}

	summary.Success = true
	summary.Message = fmt.Sprintf("Synced %d items from %s", summary.Created+summary.Updated, source)
	o.publish(userID, source, PhaseDone, summary, "")
	return summary, nil
}

func (o *Orchestrator) processItem(ctx context.Context, nc NormalizeContext, item Item, summary *Summary) {
	defer func() {
		if r := recover(); r != nil {
			summary.Failed++
			o.logger.Printf("sync %s/%s: item %s panicked: %v", nc.UserID, summary.Provider, item.Key(), r)
		}
	}()

	tasks, err := item.Normalize(ctx, nc)
	if err != nil {
		summary.Failed++
		o.logger.Printf("sync %s/%s: item %s: %v", nc.UserID, summary.Provider, item.Key(), err)
		return
	}
	if len(tasks) == 0 {
		summary.Filtered++
		return
	}
	for _, task := range tasks {
		task.UserID = nc.UserID
		outcome, err := taskstore.Upsert(ctx, o.store, task)
		if err != nil {
			summary.Failed++
			o.logger.Printf("sync %s/%s: upsert %s: %v", nc.UserID, summary.Provider, task.SourceID, err)
			continue
		}
		switch outcome {
		case taskstore.UpsertCreated:
			summary.Created++
		case taskstore.UpsertUpdated:
			summary.Updated++
		}
	}
}

// SyncAll runs every connected provider for the user sequentially, in
// deliberate deference to per-provider rate limits, and aggregates the
// summaries. Provider-level failures degrade the aggregate but never
// abort the remaining providers.
func (o *Orchestrator) SyncAll(ctx context.Context, userID string) (AllSummary, error) {
	all := AllSummary{Success: true}
	integrations, err := o.store.ListConnectedIntegrations(ctx, userID)
	if err != nil {
		return all, err
	}
	for _, integration := range integrations {
		if _, registered := o.providers[integration.Provider]; !registered {
			continue
		}
		summary, err := o.SyncProvider(ctx, userID, integration.Provider)
		if err != nil {
			summary.Success = false
			summary.Error = err.Error()
			all.Success = false
		}
		all.Providers = append(all.Providers, summary)
		all.Created += summary.Created
		all.Updated += summary.Updated
		all.Filtered += summary.Filtered
		all.Failed += summary.Failed
	}
	return all, nil
}

func (o *Orchestrator) failSummary(summary Summary, userID string, err error) (Summary, error) {
	summary.Error = err.Error()
	o.publish(userID, summary.Provider, PhaseFailed, summary, err.Error())
	return summary, err
}

func (o *Orchestrator) publish(userID string, source taskstore.Source, phase string, summary Summary, errMessage string) {
	o.sink.Publish(Event{
		UserID:         userID,
		Provider:       source,
		Phase:          phase,
		ItemsProcessed: summary.ItemsProcessed,
		Created:        summary.Created,
		Updated:        summary.Updated,
		Filtered:       summary.Filtered,
		Failed:         summary.Failed,
		Error:          errMessage,
	})
}

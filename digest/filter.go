package digest

import (
	"context"
	"fmt"

	"trippy-notifier/pkg/notifier"
)

// ViewLog reads which members have seen which posts.
type ViewLog interface {
	Views(ctx context.Context, recipientIDs, itemIDs []string) ([]notifier.ViewRecord, error)
}

// SeenSets maps a recipient ID to the set of item IDs that recipient has seen.
type SeenSets map[string]map[string]struct{}

// PartitionViews groups view records by recipient.
func PartitionViews(views []notifier.ViewRecord) SeenSets {
	seen := make(SeenSets)
	for _, v := range views {
		set, ok := seen[v.RecipientID]
		if !ok {
			set = make(map[string]struct{})
			seen[v.RecipientID] = set
		}
		set[v.ContentItemID] = struct{}{}
	}
	return seen
}

// Unseen returns the items recipientID has not viewed, in their input order.
// A recipient with no seen set has seen nothing.
func (s SeenSets) Unseen(recipientID string, items []*notifier.ContentItem) []*notifier.ContentItem {
	set := s[recipientID]
	if len(set) == 0 {
		return items
	}

	unseen := make([]*notifier.ContentItem, 0, len(items))
	for _, item := range items {
		if _, ok := set[item.ID]; !ok {
			unseen = append(unseen, item)
		}
	}
	return unseen
}

// Filter computes seen sets with a single bulk read of the view log.
type Filter struct {
	views ViewLog
}

// NewFilter creates an unseen-content filter.
func NewFilter(views ViewLog) *Filter {
	return &Filter{views: views}
}

// Seen fetches all views for recipientIDs x itemIDs in one read and partitions
// them per recipient. No read is issued when either list is empty.
func (f *Filter) Seen(ctx context.Context, recipientIDs, itemIDs []string) (SeenSets, error) {
	if len(recipientIDs) == 0 || len(itemIDs) == 0 {
		return SeenSets{}, nil
	}

	views, err := f.views.Views(ctx, recipientIDs, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("load views: %w", err)
	}
	return PartitionViews(views), nil
}

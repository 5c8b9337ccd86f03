package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
	"github.com/sells-group/evidence-pipeline/pkg/notion"
)

// Review database properties. The database needs a title property "Name",
// select properties "Reason", "State" and "Resolution", a number property
// "Confidence" and rich text properties for the rest.
const (
	propName       = "Name"
	propItemID     = "Item ID"
	propJobID      = "Job ID"
	propReason     = "Reason"
	propDetail     = "Detail"
	propCandidates = "Candidates"
	propConfidence = "Confidence"
	propState      = "State"
	propResolution = "Resolution"
	propValue      = "Value"
	propReviewer   = "Reviewer"
)

// Review page states. Reviewers move a page from Open to Resolved; the
// sync marks it Applied once the decision is in the ledger and Rejected
// when it cannot be applied.
const (
	StateOpen     = "Open"
	StateResolved = "Resolved"
	StateApplied  = "Applied"
	StateRejected = "Rejected"
)

// NotionSink mirrors open review items into a Notion database and imports
// the decisions reviewers record there.
type NotionSink struct {
	client  notion.Client
	dbID    string
	store   store.Store
	service *Service
}

// NewNotionSink creates a sink for the review database dbID.
func NewNotionSink(c notion.Client, dbID string, s store.Store, svc *Service) *NotionSink {
	return &NotionSink{client: c, dbID: dbID, store: s, service: svc}
}

// SyncResult counts the work one sync did.
type SyncResult struct {
	Pushed   int `json:"pushed"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

// Sync pushes new items and then pulls resolutions.
func (n *NotionSink) Sync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	pushed, err := n.Push(ctx)
	res.Pushed = pushed
	if err != nil {
		return res, err
	}
	res.Applied, res.Rejected, err = n.Pull(ctx)
	return res, err
}

// Push creates a page for every open item not yet mirrored and stores the
// page id on the item.
func (n *NotionSink) Push(ctx context.Context) (int, error) {
	items, err := n.store.ListReviewItems(ctx, store.ReviewFilter{OpenOnly: true, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "review: list open items")
	}
	pushed := 0
	for _, item := range items {
		if item.ExternalRef != "" {
			continue
		}
		page, err := n.client.CreatePage(ctx, &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: notionapi.DatabaseID(n.dbID),
			},
			Properties: itemProperties(item),
		})
		if err != nil {
			return pushed, eris.Wrapf(err, "review: push %s", item.ID)
		}
		if err := n.store.SetReviewExternalRef(ctx, item.ID, page.ID.String()); err != nil {
			return pushed, eris.Wrapf(err, "review: link %s", item.ID)
		}
		pushed++
	}
	if pushed > 0 {
		zap.L().Info("review: items pushed to notion", zap.Int("count", pushed))
	}
	return pushed, nil
}

func itemProperties(item model.ReviewItem) notionapi.Properties {
	name := item.FieldPath
	if name == "" {
		name = string(item.Reason)
	}
	return notionapi.Properties{
		propName:       notion.Title(name),
		propItemID:     notion.Text(item.ID),
		propJobID:      notion.Text(item.JobID),
		propReason:     notion.Select(string(item.Reason)),
		propDetail:     notion.Text(item.Detail),
		propCandidates: notion.Text(strings.Join(item.Candidates, "\n")),
		propConfidence: notion.Number(item.Confidence),
		propState:      notion.Select(StateOpen),
	}
}

// Pull applies every decision recorded on a Resolved page. Pages whose
// decision cannot be applied are marked Rejected with the error in Detail;
// items already resolved in the ledger are just marked Applied.
func (n *NotionSink) Pull(ctx context.Context) (applied, rejected int, err error) {
	pages, err := notion.QueryBySelect(ctx, n.client, n.dbID, propState, StateResolved)
	if err != nil {
		return 0, 0, eris.Wrap(err, "review: query resolved pages")
	}
	for _, page := range pages {
		id := notion.PlainText(page.Properties, propItemID)
		resolution := model.Resolution(strings.ToLower(notion.SelectName(page.Properties, propResolution)))
		value := notion.PlainText(page.Properties, propValue)
		reviewer := notion.PlainText(page.Properties, propReviewer)
		if reviewer == "" {
			reviewer = "notion"
		}

		state, detail := StateApplied, ""
		_, rerr := n.service.Resolve(ctx, id, resolution, value, reviewer)
		switch {
		case rerr == nil:
			applied++
		case errors.Is(rerr, store.ErrAlreadyResolved):
		case ctx.Err() != nil:
			return applied, rejected, ctx.Err()
		default:
			state, detail = StateRejected, fmt.Sprintf("not applied: %v", rerr)
			rejected++
			zap.L().Warn("review: notion decision rejected",
				zap.String("page_id", page.ID.String()),
				zap.String("review_id", id),
				zap.Error(rerr),
			)
		}

		props := notionapi.Properties{propState: notion.Select(state)}
		if detail != "" {
			props[propDetail] = notion.Text(detail)
		}
		if _, err := n.client.UpdatePage(ctx, page.ID.String(), &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return applied, rejected, eris.Wrapf(err, "review: mark page %s", page.ID)
		}
	}
	return applied, rejected, nil
}

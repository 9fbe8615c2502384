package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mdrrmo/fieldsync/internal/cache"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// View is what a foreground surface renders on cold start.
type View struct {
	References map[string][]models.ReferenceItem `json:"references"`
	Drafts     []models.DraftRecord              `json:"drafts"`
	Reports    json.RawMessage                   `json:"reports,omitempty"`
	// Stale is set when the view is served from cache without a
	// successful revalidation.
	Stale  bool   `json:"stale"`
	Notice string `json:"notice,omitempty"`
}

// Bootstrap renders cached references, reports and drafts, then revalidates
// from the remote store when online. Offline, or when revalidation fails,
// the cached view is returned marked stale.
func (c *Client) Bootstrap(ctx context.Context) (View, error) {
	if c.legacy != "" {
		if n, err := c.cache.MigrateLegacyFile(ctx, c.legacy); err != nil {
			logging.Warn("Legacy reference import failed", map[string]interface{}{"error": err.Error()})
		} else if n > 0 {
			logging.Info("Imported legacy references", map[string]interface{}{"count": n})
		}
	}

	view, err := c.cachedView(ctx)
	if err != nil {
		return View{}, err
	}

	if !c.online() {
		view.Stale = true
		view.Notice = StaleNotice
		return view, nil
	}

	if err := c.Revalidate(ctx); err != nil {
		logging.Warn("Revalidation failed, serving cached view", map[string]interface{}{"error": err.Error()})
		view.Stale = true
		view.Notice = RevalidateFailNotice
		return view, nil
	}

	fresh, err := c.cachedView(ctx)
	if err != nil {
		return view, nil
	}
	return fresh, nil
}

// cachedView reads everything cached, stale or not, concurrently.
func (c *Client) cachedView(ctx context.Context) (View, error) {
	view := View{References: make(map[string][]models.ReferenceItem, len(models.ReferenceKeys))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range models.ReferenceKeys {
		g.Go(func() error {
			rec, ok := c.cache.PeekReference(gctx, key)
			items := []models.ReferenceItem{}
			if ok {
				items = rec.Items
			}
			mu.Lock()
			view.References[key] = items
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		drafts, err := c.cache.LoadDrafts(gctx)
		if err != nil {
			// The store was reset; there is nothing left to show.
			logging.Warn("Cached drafts unavailable", map[string]interface{}{"error": err.Error()})
			drafts = nil
		}
		mu.Lock()
		view.Drafts = drafts
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		var reports json.RawMessage
		if c.cache.Load(gctx, ReportsCacheKey, cache.LoadOptions{MaxAgeMinutes: c.maxAge.Minutes()}, &reports) {
			mu.Lock()
			view.Reports = reports
			mu.Unlock()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return View{}, err
	}
	return view, ctx.Err()
}

// Revalidate refreshes every reference dataset and the report list from
// the remote store. Fetches run concurrently; the first failure is returned
// after all finish.
func (c *Client) Revalidate(ctx context.Context) error {
	var g errgroup.Group
	for _, key := range models.ReferenceKeys {
		g.Go(func() error {
			_, err := c.cache.Revalidate(ctx, key, c.maxAge, c.fetchReference(key))
			return err
		})
	}
	g.Go(func() error {
		reports, err := c.fetchReports(ctx)
		if err != nil {
			return err
		}
		return c.cache.Save(ctx, ReportsCacheKey, reports, cache.SaveOptions{MaxAgeMinutes: c.maxAge.Minutes()})
	})
	return g.Wait()
}

type referenceResponse struct {
	Key   string                 `json:"key"`
	Items []models.ReferenceItem `json:"items"`
}

type reportsResponse struct {
	Reports json.RawMessage `json:"reports"`
}

func (c *Client) fetchReference(key string) cache.FetchFunc {
	return func(ctx context.Context) ([]models.ReferenceItem, error) {
		var out referenceResponse
		if err := c.getJSON(ctx, ReferencesPath+url.PathEscape(key), &out); err != nil {
			return nil, err
		}
		return out.Items, nil
	}
}

func (c *Client) fetchReports(ctx context.Context) (json.RawMessage, error) {
	var out reportsResponse
	if err := c.getJSON(ctx, ReportsPath, &out); err != nil {
		return nil, err
	}
	if len(out.Reports) == 0 {
		return json.RawMessage("[]"), nil
	}
	return out.Reports, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

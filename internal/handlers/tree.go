package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/dodji-app/core/internal/domain"
	"github.com/dodji-app/core/internal/platform/auth"
	"github.com/dodji-app/core/internal/platform/httpx"
	"github.com/dodji-app/core/internal/services"
)

// TreeHandlers expose preload progress and the merged learning tree of each content key.
type TreeHandlers struct {
	authn       *auth.Authenticator
	coordinator services.CacheCoordinator
	preload     services.PreloadOrchestrator
}

// NewTreeHandlers constructs TreeHandlers. Tree reads are rejected when authn is nil.
func NewTreeHandlers(authn *auth.Authenticator, coordinator services.CacheCoordinator, preload services.PreloadOrchestrator) *TreeHandlers {
	return &TreeHandlers{authn: authn, coordinator: coordinator, preload: preload}
}

// Routes registers /preload and the authenticated /tree/{section}/{level}.
func (h *TreeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/preload", h.getPreload)
	r.Group(func(r chi.Router) {
		r.Use(h.authn.RequireFirebaseAuth())
		r.Get("/tree/{section}/{level}", h.getTree)
	})
}

func (h *TreeHandlers) getPreload(w http.ResponseWriter, r *http.Request) {
	if h.preload == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("preload_unavailable", "preload orchestrator unavailable", http.StatusServiceUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, preloadPayload{
		StaticLoaded: h.preload.StaticLoadedCount(),
		ImageLoaded:  h.preload.ImageLoadedCount(),
		Total:        len(domain.AllContentKeys()),
		Progress:     h.preload.Progress(),
		IsComplete:   h.preload.IsComplete(),
	})
}

func (h *TreeHandlers) getTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coordinator == nil {
		httpx.WriteError(ctx, w, httpx.NewError("tree_unavailable", "cache coordinator unavailable", http.StatusServiceUnavailable))
		return
	}

	key, err := domain.ParseContentKey(chi.URLParam(r, "section"), chi.URLParam(r, "level"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_content_key", err.Error(), http.StatusBadRequest))
		return
	}

	entry, ok := h.coordinator.GetEntry(key)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("tree_not_loaded", "content for "+key.String()+" is not loaded yet", http.StatusNotFound))
		return
	}

	uid := auth.UserID(ctx)
	if uid == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if uid != h.coordinator.UserID() {
		entry = staticProjection(entry)
	}

	writeJSONResponse(w, http.StatusOK, buildTreePayload(entry))
}

// staticProjection strips the session user's progress from entry. The caller still needs its
// own user data, which only an active session provides.
func staticProjection(entry domain.CacheEntry) domain.CacheEntry {
	entry.Courses = services.Merge(entry.Static, nil, nil)
	entry.IsStaticOnly = true
	entry.NeedsUserData = true
	return entry
}

type preloadPayload struct {
	StaticLoaded int     `json:"static_loaded"`
	ImageLoaded  int     `json:"image_loaded"`
	Total        int     `json:"total"`
	Progress     float64 `json:"progress"`
	IsComplete   bool    `json:"is_complete"`
}

type treePayload struct {
	Section         string          `json:"section"`
	Level           string          `json:"level"`
	BackgroundImage string          `json:"background_image"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
	IsStaticOnly    bool            `json:"is_static_only"`
	NeedsUserData   bool            `json:"needs_user_data"`
	Courses         []coursePayload `json:"courses"`
	Image           *imagePayload   `json:"image,omitempty"`
}

type coursePayload struct {
	Ordinal             string           `json:"ordinal"`
	ID                  string           `json:"id"`
	Title               string           `json:"title"`
	UnlockCost          int64            `json:"unlock_cost"`
	Status              string           `json:"status"`
	CompletedMediaCount int              `json:"completed_media_count"`
	TotalMediaCount     int              `json:"total_media_count"`
	Position            *positionPayload `json:"position,omitempty"`
}

type positionPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Index  int     `json:"index"`
	IsSide bool    `json:"is_side"`
}

type imagePayload struct {
	URI           string `json:"uri"`
	IsLoaded      bool   `json:"is_loaded"`
	IsLoading     bool   `json:"is_loading"`
	Error         string `json:"error,omitempty"`
	NaturalWidth  int    `json:"natural_width,omitempty"`
	NaturalHeight int    `json:"natural_height,omitempty"`
	FitWidth      int    `json:"fit_width,omitempty"`
	FitHeight     int    `json:"fit_height,omitempty"`
}

func buildTreePayload(entry domain.CacheEntry) treePayload {
	payload := treePayload{
		Section:       string(entry.Key.Section),
		Level:         string(entry.Key.Level),
		IsStaticOnly:  entry.IsStaticOnly,
		NeedsUserData: entry.NeedsUserData,
		Courses:       make([]coursePayload, 0, len(entry.Courses)),
	}
	var positions map[string]domain.Position
	if entry.Static != nil {
		payload.BackgroundImage = entry.Static.BackgroundImage
		if !entry.Static.UpdatedAt.IsZero() {
			payload.UpdatedAt = entry.Static.UpdatedAt.UTC().Format(time.RFC3339)
		}
		positions = positionsByOrdinal(entry.Static.Positions)
	}

	for ordinal, course := range entry.Courses {
		item := coursePayload{
			Ordinal:             ordinal,
			ID:                  course.Definition.ID,
			Title:               course.Definition.Title,
			UnlockCost:          course.Definition.UnlockCost,
			Status:              string(course.Status),
			CompletedMediaCount: course.CompletedMediaCount,
			TotalMediaCount:     course.TotalMediaCount,
		}
		if pos, ok := positions[ordinal]; ok {
			item.Position = &positionPayload{X: pos.X, Y: pos.Y, Index: pos.Index, IsSide: pos.IsSide}
		}
		payload.Courses = append(payload.Courses, item)
	}
	sort.Slice(payload.Courses, func(i, j int) bool {
		return ordinalLess(payload.Courses[i].Ordinal, payload.Courses[j].Ordinal)
	})

	if img := entry.Image; img != nil {
		payload.Image = &imagePayload{
			URI:       img.URI,
			IsLoaded:  img.IsLoaded,
			IsLoading: img.IsLoading,
			Error:     img.Error,
		}
		if dims := img.Dimensions; dims != nil {
			payload.Image.NaturalWidth = dims.NaturalWidth
			payload.Image.NaturalHeight = dims.NaturalHeight
			payload.Image.FitWidth = dims.FitWidth
			payload.Image.FitHeight = dims.FitHeight
		}
	}
	return payload
}

// positionsByOrdinal keys positions by the course ordinal their index points at. A main-path
// position wins over side content sharing its index; ties go to the smallest position ID.
func positionsByOrdinal(byID map[string]domain.Position) map[string]domain.Position {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]domain.Position, len(byID))
	for _, id := range ids {
		pos := byID[id]
		ordinal := strconv.Itoa(pos.Index)
		if current, ok := out[ordinal]; ok && (!current.IsSide || pos.IsSide) {
			continue
		}
		out[ordinal] = pos
	}
	return out
}

// ordinalLess orders "2" before "10"; non-numeric ordinals sort after numeric ones.
func ordinalLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}

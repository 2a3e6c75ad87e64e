package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/stockroom/inventory-api/app/api"
	"github.com/stockroom/inventory-api/models"
)

type Item struct {
	SKU            string  `json:"SKU"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Tags           *string `json:"tags"`
	StockStatus    string  `json:"stock_status"`
	AvailableStock int     `json:"available_stock"`
}

// ItemInput is the body accepted by create and update. Update replaces every
// field, so both share it; available_stock defaults to 0 when omitted.
type ItemInput struct {
	SKU            string  `json:"SKU" validate:"required,max=100"`
	Name           string  `json:"name" validate:"required,max=255"`
	Category       string  `json:"category" validate:"required,max=100"`
	Tags           *string `json:"tags" validate:"omitempty,max=255"`
	StockStatus    string  `json:"stock_status" validate:"required"`
	AvailableStock *int    `json:"available_stock" validate:"omitempty,min=0"`
}

type ItemProvider interface {
	GetFilteredItems(ctx context.Context, filters models.ItemFilters) ([]models.Item, error)
	GetBySKU(ctx context.Context, sku string) (*models.Item, error)
	CreateItem(ctx context.Context, item *models.Item) error
	ReplaceItem(ctx context.Context, sku string, item *models.Item) error
	DeleteBySKU(ctx context.Context, sku string) (int64, error)
}

type CatalogHandler struct {
	repo ItemProvider
}

func NewCatalogHandler(r ItemProvider) *CatalogHandler {
	return &CatalogHandler{
		repo: r,
	}
}

// HandleList serves GET /item-list/. An empty result is a 200 with [].
func (h *CatalogHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.ItemFilters{
		Search:      q.Get("search"),
		OrderBy:     q.Get("order_by"),
		SKU:         q.Get("sku"),
		Name:        q.Get("name"),
		Category:    q.Get("category"),
		StockStatus: q.Get("stock_status"),
	}

	res, err := h.repo.GetFilteredItems(r.Context(), filters)
	switch {
	case errors.Is(err, models.ErrCategoryNotFound):
		api.WriteError(w, http.StatusNotFound, "Category not found")
		return
	case errors.Is(err, models.ErrInvalidOrderField):
		api.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Cannot order by %q", filters.OrderBy))
		return
	case err != nil:
		log.Printf("list items: %v", err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to retrieve items")
		return
	}

	items := make([]Item, len(res))
	for i, it := range res {
		items[i] = toItem(it)
	}
	api.WriteJSON(w, http.StatusOK, items)
}

// HandleGetItem serves GET /item-detail/?SKU=.
func (h *CatalogHandler) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	sku := r.URL.Query().Get("SKU")
	if sku == "" {
		api.WriteError(w, http.StatusBadRequest, "Please provide SKU")
		return
	}

	item, err := h.repo.GetBySKU(r.Context(), sku)
	if err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			api.WriteError(w, http.StatusNotFound, "Item not found")
			return
		}
		log.Printf("get item %q: %v", sku, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to retrieve item")
		return
	}

	api.WriteJSON(w, http.StatusOK, toItem(*item))
}

// HandleCreate serves POST /item-create/ and answers 201 with the stored item.
func (h *CatalogHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	item, ok := decodeItem(w, r)
	if !ok {
		return
	}

	if err := h.repo.CreateItem(r.Context(), item); err != nil {
		if !writeConstraintError(w, err, item) {
			log.Printf("create item %q: %v", item.SKU, err)
			api.WriteError(w, http.StatusInternalServerError, "Failed to create item")
		}
		return
	}

	api.WriteJSON(w, http.StatusCreated, toItem(*item))
}

// HandleUpdate serves POST /item-update/?SKU= and replaces every field of the item.
func (h *CatalogHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	sku := r.URL.Query().Get("SKU")
	if sku == "" {
		api.WriteError(w, http.StatusBadRequest, "Please provide SKU")
		return
	}

	item, ok := decodeItem(w, r)
	if !ok {
		return
	}

	if err := h.repo.ReplaceItem(r.Context(), sku, item); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			api.WriteError(w, http.StatusNotFound, "Item not found")
			return
		}
		if !writeConstraintError(w, err, item) {
			log.Printf("update item %q: %v", sku, err)
			api.WriteError(w, http.StatusInternalServerError, "Failed to update item")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, toItem(*item))
}

// HandleDelete serves DELETE /item-delete/?SKU=. Unknown SKUs still report success.
func (h *CatalogHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sku := r.URL.Query().Get("SKU")
	if sku == "" {
		api.WriteError(w, http.StatusBadRequest, "Please provide SKU")
		return
	}

	if _, err := h.repo.DeleteBySKU(r.Context(), sku); err != nil {
		log.Printf("delete item %q: %v", sku, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to delete item")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// decodeItem parses and validates the request body. On failure it has
// already written the response.
func decodeItem(w http.ResponseWriter, r *http.Request) (*models.Item, bool) {
	var input ItemInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			api.WriteValidationError(w, api.FieldErrors{typeErr.Field: {"Invalid type, expected " + typeErr.Type.String() + "."}})
			return nil, false
		}
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}

	fields := api.Validate(input)
	if input.StockStatus != "" && !models.StockStatus(input.StockStatus).Valid() {
		if fields == nil {
			fields = api.FieldErrors{}
		}
		fields.Add("stock_status", fmt.Sprintf("%q is not a valid choice.", input.StockStatus))
	}
	if len(fields) > 0 {
		api.WriteValidationError(w, fields)
		return nil, false
	}

	item := &models.Item{
		SKU:          input.SKU,
		Name:         input.Name,
		CategoryName: input.Category,
		Tags:         input.Tags,
		StockStatus:  models.StockStatus(input.StockStatus),
	}
	if input.AvailableStock != nil {
		item.AvailableStock = *input.AvailableStock
	}
	return item, true
}

// writeConstraintError answers constraint violations as field errors and reports
// whether it handled err.
func writeConstraintError(w http.ResponseWriter, err error, item *models.Item) bool {
	switch {
	case errors.Is(err, models.ErrDuplicateSKU):
		api.WriteValidationError(w, api.FieldErrors{"SKU": {"item with this SKU already exists."}})
	case errors.Is(err, models.ErrUnknownCategory):
		api.WriteValidationError(w, api.FieldErrors{"category": {fmt.Sprintf("Invalid pk %q - object does not exist.", item.CategoryName)}})
	default:
		return false
	}
	return true
}

func toItem(it models.Item) Item {
	return Item{
		SKU:            it.SKU,
		Name:           it.Name,
		Category:       it.CategoryName,
		Tags:           it.Tags,
		StockStatus:    string(it.StockStatus),
		AvailableStock: it.AvailableStock,
	}
}

package categories

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/stockroom/inventory-api/app/api"
	"github.com/stockroom/inventory-api/models"
)

type CategoryResponse struct {
	Name string `json:"name"`
}

type CategoryInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

type CategoryProvider interface {
	GetAllCategories(ctx context.Context) ([]models.Category, error)
	CreateCategory(ctx context.Context, category *models.Category) error
	DeleteCategory(ctx context.Context, name string) error
}

type CategoryHandler struct {
	repo CategoryProvider
}

func NewCategoryHandler(r CategoryProvider) *CategoryHandler {
	return &CategoryHandler{repo: r}
}

func (h *CategoryHandler) HandleGetAll(w http.ResponseWriter, r *http.Request) {
	categories, err := h.repo.GetAllCategories(r.Context())
	if err != nil {
		log.Printf("list categories: %v", err)
		api.WriteError(w, http.StatusInternalServerError, "failed to fetch categories")
		return
	}

	response := make([]CategoryResponse, len(categories))
	for i, c := range categories {
		response[i] = CategoryResponse{Name: c.Name}
	}

	api.WriteJSON(w, http.StatusOK, response)
}

func (h *CategoryHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var input CategoryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	input.Name = strings.TrimSpace(input.Name)
	if fields := api.Validate(input); fields != nil {
		api.WriteValidationError(w, fields)
		return
	}

	category := &models.Category{Name: input.Name}
	if err := h.repo.CreateCategory(r.Context(), category); err != nil {
		if errors.Is(err, models.ErrDuplicateCategory) {
			api.WriteValidationError(w, api.FieldErrors{"name": {"category with this name already exists."}})
			return
		}
		log.Printf("create category %q: %v", input.Name, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to create category")
		return
	}

	api.WriteJSON(w, http.StatusCreated, CategoryResponse{Name: category.Name})
}

// HandleDelete serves DELETE /category-delete/?category= and removes the
// category along with every item filed under it.
func (h *CategoryHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("category")
	if name == "" {
		api.WriteError(w, http.StatusBadRequest, "provide category to delete.")
		return
	}

	if err := h.repo.DeleteCategory(r.Context(), name); err != nil {
		if errors.Is(err, models.ErrCategoryNotFound) {
			api.WriteError(w, http.StatusNotFound, "Category does not exist")
			return
		}
		log.Printf("delete category %q: %v", name, err)
		api.WriteError(w, http.StatusInternalServerError, "Failed to delete category")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

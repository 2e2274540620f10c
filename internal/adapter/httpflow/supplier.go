package httpflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/template"
	"github.com/NovaTayler/Humanitas/internal/workflow"
)

// Поля товара по умолчанию в элементе ответа поставщика.
var defaultProductFields = map[string]string{
	"sku":   "id",
	"title": "title",
	"cost":  "price",
	"url":   "url",
}

// SupplierDef — каталог поставщика: один GET, массив товаров в ответе.
//
//	suppliers:
//	  - name: acme
//	    url: https://api.acme.example/products?limit=50
//	    api_key_env: ACME_API_KEY
//	    headers:
//	      Authorization: "Bearer {{ .Inputs.api_key }}"
//	    items: data.list
//	    fields: {sku: pid, title: productNameEn, cost: sellPrice}
//	    margin: 1.3
type SupplierDef struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`

	// APIKeyEnv — переменная окружения с ключом; в шаблонах {{ .Inputs.api_key }}.
	APIKeyEnv string `yaml:"api_key_env"`

	// Items — путь к массиву товаров (default: products).
	Items string `yaml:"items"`

	// Fields — поле товара (sku, title, cost, url) → путь в элементе.
	Fields map[string]string `yaml:"fields" validate:"omitempty,dive,keys,oneof=sku title cost url,endkeys,required"`

	// Margin — цена продажи = себестоимость * Margin (default: 1).
	Margin float64 `yaml:"margin" validate:"gte=0"`

	// MaxCost — товары дороже отбрасываются (0 — без предела).
	MaxCost float64 `yaml:"max_cost" validate:"gte=0"`
}

// Supplier получает каталог поставщика через identity пула.
type Supplier struct {
	def        SupplierDef
	fetcher    *Adapter
	identities workflow.Identities
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewSuppliers создаёт источники каталогов из определения.
// identities может быть nil: тогда запросы идут напрямую.
func NewSuppliers(def *Definition, identities workflow.Identities, logger *slog.Logger) []*Supplier {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]*Supplier, 0, len(def.Suppliers))
	for _, s := range def.Suppliers {
		supplierLogger := logger.With("supplier", s.Name)
		out = append(out, &Supplier{
			def:        s,
			fetcher:    &Adapter{def: PlatformDef{Name: s.Name}, logger: supplierLogger},
			identities: identities,
			validate:   validator.New(validator.WithRequiredStructEnabled()),
			logger:     supplierLogger,
		})
	}
	return out
}

// Name возвращает имя поставщика.
func (s *Supplier) Name() string {
	return s.def.Name
}

// Fetch запрашивает каталог и возвращает товары, прошедшие проверку.
// Элементы без обязательных полей пропускаются.
func (s *Supplier) Fetch(ctx context.Context) ([]domain.Product, error) {
	data := &template.Data{Inputs: map[string]any{"supplier": s.def.Name}}
	if s.def.APIKeyEnv != "" {
		data.Inputs["api_key"] = os.Getenv(s.def.APIKeyEnv)
	}
	headers, err := template.RenderMap(s.def.Headers, data)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("%s: headers: %w", s.def.Name, err))
	}

	var client *http.Client
	if s.identities != nil {
		identity := s.identities.Assign("catalog:" + strings.ToLower(s.def.Name))
		if err := s.identities.Wait(ctx, identity); err != nil {
			return nil, err
		}
		client = s.identities.HTTPClient(identity)
	}

	payload, err := s.fetcher.do(ctx, client, "catalog", http.MethodGet, s.def.URL, headers, nil)
	if err != nil {
		return nil, err
	}

	itemsPath := s.def.Items
	if itemsPath == "" {
		itemsPath = "products"
	}
	items, ok := lookupList(payload, itemsPath)
	if !ok {
		return nil, retry.Fatal(fmt.Errorf("%s: response has no list %q", s.def.Name, itemsPath))
	}

	products := make([]domain.Product, 0, len(items))
	skipped := 0
	for _, item := range items {
		product, ok := s.product(item)
		if !ok {
			skipped++
			continue
		}
		products = append(products, product)
	}
	if skipped > 0 {
		s.logger.Debug("catalog items skipped", "skipped", skipped)
	}
	return products, nil
}

func (s *Supplier) product(item any) (domain.Product, bool) {
	field := func(name string) string {
		path := defaultProductFields[name]
		if p, ok := s.def.Fields[name]; ok {
			path = p
		}
		value, _ := lookup(item, path)
		return value
	}

	cost, err := strconv.ParseFloat(field("cost"), 64)
	if err != nil || (s.def.MaxCost > 0 && cost > s.def.MaxCost) {
		return domain.Product{}, false
	}
	margin := s.def.Margin
	if margin <= 0 {
		margin = 1
	}

	p := domain.Product{
		SKU:      field("sku"),
		Title:    field("title"),
		Cost:     cost,
		Price:    math.Round(cost*margin*100) / 100,
		URL:      field("url"),
		Quantity: 1,
		Supplier: s.def.Name,
	}
	if s.validate.Struct(&p) != nil {
		return domain.Product{}, false
	}
	return p, true
}

// lookupList находит массив по пути "a.b".
func lookupList(payload any, path string) ([]any, bool) {
	current := payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[part]; !ok {
			return nil, false
		}
	}
	list, ok := current.([]any)
	return list, ok
}

// Package demostore is a small multi-tenant food-delivery storefront served
// as plain HTML. It exists so scenarios have a deterministic application to
// drive: personas log in, fill a cart, check out, and store admins move
// orders through their status pipeline.
package demostore

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/storeprobe/idgen"
)

// Roles.
const (
	RoleCustomer   = "cliente"
	RoleStoreAdmin = "admin_loja"
	RoleSuperAdmin = "super_admin"
)

const sessionCookie = "storeprobe_sid"

// Statuses an order moves through, in order.
var Statuses = []string{"Pendente", "Em Preparo", "Saiu para Entrega", "Entregue"}

// Persona is a seeded user account.
type Persona struct {
	Email    string
	Password string
	Name     string
	Role     string
	Tenant   string
}

// DefaultPersonas returns the three seeded accounts.
func DefaultPersonas() []Persona {
	return []Persona{
		{Email: "cliente@exemplo.com", Password: "cliente123", Name: "Cliente Exemplo", Role: RoleCustomer},
		{Email: "admin@pizza-express.com", Password: "pizza123", Name: "Admin Pizza Express", Role: RoleStoreAdmin, Tenant: "pizza-express"},
		{Email: "admin@deliverei.com.br", Password: "admin123", Name: "Admin Deliverei", Role: RoleSuperAdmin},
	}
}

// Tenant is a store with its own menu and orders.
type Tenant struct {
	Slug     string
	Name     string
	Products []Product
}

// Product is a menu item. Prices are in cents.
type Product struct {
	ID    string
	Name  string
	Price int
}

// DefaultTenants returns two stores with distinct menus.
func DefaultTenants() []Tenant {
	return []Tenant{
		{Slug: "pizza-express", Name: "Pizza Express", Products: []Product{
			{ID: "pz-1", Name: "Marmita Fitness 1", Price: 2490},
			{ID: "pz-2", Name: "Pizza Margherita", Price: 4200},
			{ID: "pz-3", Name: "Pizza Calabresa", Price: 3990},
		}},
		{Slug: "burger-house", Name: "Burger House", Products: []Product{
			{ID: "bh-1", Name: "X-Burger", Price: 2800},
			{ID: "bh-2", Name: "Batata Frita", Price: 1500},
		}},
	}
}

// Options configures a Store.
type Options struct {
	Personas []Persona
	Tenants  []Tenant
	// SeedOrders places one pending order per tenant for the first customer.
	SeedOrders bool
	// Latency delays every response.
	Latency time.Duration
	// BrokenFrame makes the storefront's chat widget iframe answer 500.
	BrokenFrame bool
	// StalledFrame makes the promo iframe hold its request open until the
	// client gives up.
	StalledFrame bool
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Logger     *slog.Logger
}

// Store holds the application state. All methods are safe for concurrent use.
type Store struct {
	opts    Options
	log     *slog.Logger
	newID   idgen.Generator
	tenants map[string]*Tenant
	order   []string // tenant slugs in declaration order

	mu        sync.Mutex
	users     map[string]*account
	sessions  map[string]*session
	orders    []*Order
	nextOrder int
}

type account struct {
	Persona
	hash []byte
}

type session struct {
	email  string
	tenant string
	cart   map[string]int
}

// Order is a placed order.
type Order struct {
	ID       int
	Tenant   string
	Customer string
	Items    []LineItem
	Total    int
	Status   int
	Placed   time.Time
}

// LineItem is one product row of a cart or order.
type LineItem struct {
	Product Product
	Qty     int
}

// StatusLabel returns the human label of the order status.
func (o Order) StatusLabel() string { return Statuses[o.Status] }

// Final reports whether the order reached the last status.
func (o Order) Final() bool { return o.Status == len(Statuses)-1 }

// Subtotal is price times quantity.
func (li LineItem) Subtotal() int { return li.Product.Price * li.Qty }

// New hashes the persona passwords and seeds the store.
func New(opts Options) (*Store, error) {
	if opts.Personas == nil {
		opts.Personas = DefaultPersonas()
	}
	if opts.Tenants == nil {
		opts.Tenants = DefaultTenants()
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		opts:      opts,
		log:       opts.Logger,
		newID:     idgen.NanoID(24),
		tenants:   make(map[string]*Tenant),
		users:     make(map[string]*account),
		sessions:  make(map[string]*session),
		nextOrder: 1,
	}
	for i := range opts.Tenants {
		t := &opts.Tenants[i]
		s.tenants[t.Slug] = t
		s.order = append(s.order, t.Slug)
	}
	for _, p := range opts.Personas {
		if p.Tenant != "" && s.tenants[p.Tenant] == nil {
			return nil, fmt.Errorf("demostore: persona %s: unknown tenant %q", p.Email, p.Tenant)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), opts.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("demostore: hash %s: %w", p.Email, err)
		}
		s.users[p.Email] = &account{Persona: p, hash: hash}
	}
	if opts.SeedOrders {
		s.seed()
	}
	return s, nil
}

func (s *Store) seed() {
	var customer string
	for _, p := range s.opts.Personas {
		if p.Role == RoleCustomer {
			customer = p.Email
			break
		}
	}
	if customer == "" {
		return
	}
	for _, slug := range s.order {
		t := s.tenants[slug]
		if len(t.Products) == 0 {
			continue
		}
		s.placeLocked(slug, customer, []LineItem{{Product: t.Products[0], Qty: 1}})
	}
}

func (s *Store) placeLocked(tenant, customer string, items []LineItem) *Order {
	o := &Order{ID: s.nextOrder, Tenant: tenant, Customer: customer, Items: items, Placed: time.Now()}
	for _, it := range items {
		o.Total += it.Product.Price * it.Qty
	}
	s.nextOrder++
	s.orders = append(s.orders, o)
	return o
}

// Orders returns a snapshot of the tenant's orders, or all orders when
// tenant is empty.
func (s *Store) Orders(tenant string) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if tenant == "" || o.Tenant == tenant {
			out = append(out, *o)
		}
	}
	return out
}

// Handler returns the storefront router.
func (s *Store) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.opts.Latency > 0 {
		r.Use(s.delay)
	}
	r.Use(securityHeaders, maxFormBody)
	r.Use(s.withSession, flash)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Get("/", s.handleStorefront)
	r.Get("/t/{tenant}", s.handleStorefront)
	r.Get("/promo", s.handlePromo)
	r.Get("/widgets/chat", s.handleChat)

	r.Get("/login", s.handleLoginForm)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Get("/cart", s.handleCart)
	r.Post("/cart/add", s.handleCartAdd)
	r.Post("/cart/remove", s.handleCartRemove)

	r.Group(func(r chi.Router) {
		r.Use(s.requireLogin)
		r.Post("/checkout", s.handleCheckout)
		r.Get("/orders", s.handleMyOrders)
		r.Get("/orders/{id}", s.handleOrder)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireLogin)
		r.Use(s.requireRole(RoleStoreAdmin))
		r.Get("/orders", s.handleAdminOrders)
		r.Post("/orders/{id}/advance", s.handleAdvance)
	})

	r.Route("/super", func(r chi.Router) {
		r.Use(s.requireLogin)
		r.Use(s.requireRole(RoleSuperAdmin))
		r.Get("/", s.handleSuper)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.render(w, r, http.StatusNotFound, "error", errorPage{Title: "Página não encontrada", Message: "A página solicitada não existe."})
	})
	return r
}

func (s *Store) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.NewTimer(s.opts.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.Context().Done():
			return
		}
		next.ServeHTTP(w, r)
	})
}

// lineItems expands a cart into ordered rows.
func (s *Store) lineItems(tenant string, cart map[string]int) ([]LineItem, int) {
	t := s.tenants[tenant]
	if t == nil {
		return nil, 0
	}
	var items []LineItem
	total := 0
	for _, p := range t.Products {
		if q := cart[p.ID]; q > 0 {
			items = append(items, LineItem{Product: p, Qty: q})
			total += p.Price * q
		}
	}
	return items, total
}

func (s *Store) product(id string) (string, Product, bool) {
	for _, slug := range s.order {
		for _, p := range s.tenants[slug].Products {
			if p.ID == id {
				return slug, p, true
			}
		}
	}
	return "", Product{}, false
}

func (s *Store) sortedOrders(filter func(*Order) bool) []Order {
	var out []Order
	for _, o := range s.orders {
		if filter(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func formatPrice(cents int) string {
	return fmt.Sprintf("R$ %d,%02d", cents/100, cents%100)
}

func parseID(raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	return id, err == nil && id > 0
}

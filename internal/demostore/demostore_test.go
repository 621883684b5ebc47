package demostore

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newServer(t *testing.T, opts Options) (*Store, *httptest.Server) {
	t.Helper()
	opts.BcryptCost = bcrypt.MinCost
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(st.Handler())
	t.Cleanup(srv.Close)
	return st, srv
}

type browser struct {
	t    *testing.T
	base string
	c    *http.Client
}

func newBrowser(t *testing.T, srv *httptest.Server) *browser {
	jar, _ := cookiejar.New(nil)
	return &browser{t: t, base: srv.URL, c: &http.Client{Jar: jar}}
}

func (b *browser) get(path string) (int, string) {
	b.t.Helper()
	resp, err := b.c.Get(b.base + path)
	if err != nil {
		b.t.Fatalf("GET %s: %v", path, err)
	}
	return read(b.t, resp)
}

func (b *browser) post(path string, form url.Values) (int, string) {
	b.t.Helper()
	resp, err := b.c.PostForm(b.base+path, form)
	if err != nil {
		b.t.Fatalf("POST %s: %v", path, err)
	}
	return read(b.t, resp)
}

func (b *browser) login(email, password string) (int, string) {
	return b.post("/login", url.Values{"email": {email}, "password": {password}})
}

func read(t *testing.T, resp *http.Response) (int, string) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestStorefront_ListsProductsAndFrames(t *testing.T) {
	_, srv := newServer(t, Options{})
	b := newBrowser(t, srv)

	code, body := b.get("/")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, want := range []string{"Pizza Express", "Marmita Fitness 1", "R$ 24,90", "Adicionar", `src="/promo"`, ">Entrar<"} {
		if !strings.Contains(body, want) {
			t.Errorf("storefront missing %q", want)
		}
	}

	_, body = b.get("/t/burger-house")
	if !strings.Contains(body, "X-Burger") || strings.Contains(body, "Marmita") {
		t.Error("tenant storefront should only list its own menu")
	}

	if code, _ := b.get("/t/nowhere"); code != http.StatusNotFound {
		t.Errorf("unknown tenant status = %d", code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	_, srv := newServer(t, Options{})
	b := newBrowser(t, srv)

	code, body := b.login("cliente@exemplo.com", "nope")
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body, "E-mail ou senha inválidos") {
		t.Error("expected error message")
	}
	if !strings.Contains(body, `value="cliente@exemplo.com"`) {
		t.Error("email should be kept in the form")
	}
}

func TestLogin_RedirectsByRole(t *testing.T) {
	_, srv := newServer(t, Options{})
	cases := []struct {
		email, password, want string
	}{
		{"cliente@exemplo.com", "cliente123", "Marmita Fitness 1"},
		{"admin@pizza-express.com", "pizza123", "Gerenciar Pedidos"},
		{"admin@deliverei.com.br", "admin123", "Painel Super Admin"},
	}
	for _, tc := range cases {
		t.Run(tc.email, func(t *testing.T) {
			b := newBrowser(t, srv)
			code, body := b.login(tc.email, tc.password)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if !strings.Contains(body, tc.want) {
				t.Errorf("landing page missing %q", tc.want)
			}
			if !strings.Contains(body, ">Sair<") {
				t.Error("logged-in header should offer Sair")
			}
		})
	}
}

func TestCart_AddShowsSubtotal(t *testing.T) {
	_, srv := newServer(t, Options{})
	b := newBrowser(t, srv)

	_, body := b.get("/cart")
	if !strings.Contains(body, "Seu carrinho está vazio") {
		t.Fatal("cart should start empty")
	}

	b.post("/cart/add", url.Values{"product": {"pz-1"}, "back": {"/"}})
	_, body = b.post("/cart/add", url.Values{"product": {"pz-2"}})
	if !strings.Contains(body, `<span class="badge">2</span>`) {
		t.Error("badge should count two items")
	}

	_, body = b.get("/cart")
	if !strings.Contains(body, "Subtotal") || !strings.Contains(body, "R$ 66,90") {
		t.Errorf("cart body missing subtotal:\n%s", body)
	}

	// Switching store starts a new cart.
	_, body = b.post("/cart/add", url.Values{"product": {"bh-1"}, "back": {"/t/burger-house"}})
	if !strings.Contains(body, `<span class="badge">1</span>`) {
		t.Error("cart should reset when switching store")
	}
}

func TestCheckout_RequiresLoginAndPlacesOrder(t *testing.T) {
	st, srv := newServer(t, Options{})
	b := newBrowser(t, srv)

	b.post("/cart/add", url.Values{"product": {"pz-2"}})
	_, body := b.post("/checkout", nil)
	if !strings.Contains(body, `action="/login"`) {
		t.Fatal("anonymous checkout should land on the login form")
	}

	// The cart survives the login session rotation.
	b.login("cliente@exemplo.com", "cliente123")
	_, body = b.post("/checkout", nil)
	if !strings.Contains(body, "Pedido #1 confirmado") || !strings.Contains(body, "Pendente") {
		t.Errorf("order page:\n%s", body)
	}
	if got := st.Orders("pizza-express"); len(got) != 1 || got[0].Total != 4200 {
		t.Errorf("orders = %+v", got)
	}

	_, body = b.get("/orders")
	if !strings.Contains(body, "#1") {
		t.Error("my orders should list the new order")
	}
}

func TestAdmin_CustomerIsDenied(t *testing.T) {
	_, srv := newServer(t, Options{SeedOrders: true})
	b := newBrowser(t, srv)
	b.login("cliente@exemplo.com", "cliente123")

	code, body := b.get("/admin/orders")
	if code != http.StatusForbidden {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body, "Acesso negado") {
		t.Error("expected access denied page")
	}
	if strings.Contains(body, "Gerenciar Pedidos") {
		t.Error("admin content leaked to a customer")
	}
}

func TestAdmin_AnonymousRedirectsToLogin(t *testing.T) {
	_, srv := newServer(t, Options{})
	b := newBrowser(t, srv)
	_, body := b.get("/admin/orders")
	if !strings.Contains(body, `name="next" value="/admin/orders"`) {
		t.Errorf("login form should carry next:\n%s", body)
	}
}

func TestAdmin_AdvancePersistsAcrossRelogin(t *testing.T) {
	st, srv := newServer(t, Options{SeedOrders: true})
	b := newBrowser(t, srv)
	b.login("admin@pizza-express.com", "pizza123")

	_, body := b.post("/admin/orders/1/advance", nil)
	if !strings.Contains(body, "Status do pedido #1 atualizado para Em Preparo") {
		t.Fatalf("missing flash:\n%s", body)
	}

	b.post("/logout", nil)
	b.login("admin@pizza-express.com", "pizza123")
	_, body = b.get("/admin/orders")
	if !strings.Contains(body, `<td class="status">Em Preparo</td>`) {
		t.Errorf("status did not persist:\n%s", body)
	}
	if strings.Contains(body, "Pendente") {
		t.Error("no order should still be pending")
	}
	if got := st.Orders("pizza-express")[0].StatusLabel(); got != "Em Preparo" {
		t.Errorf("status = %q", got)
	}
}

func TestAdmin_CannotTouchOtherTenant(t *testing.T) {
	_, srv := newServer(t, Options{SeedOrders: true})
	b := newBrowser(t, srv)
	b.login("admin@pizza-express.com", "pizza123")

	// Order 2 belongs to burger-house.
	code, _ := b.post("/admin/orders/2/advance", nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d", code)
	}
	_, body := b.get("/admin/orders")
	if strings.Contains(body, "order-2") {
		t.Error("admin sees another tenant's orders")
	}
}

func TestAdmin_FinalStatusConflicts(t *testing.T) {
	_, srv := newServer(t, Options{SeedOrders: true})
	b := newBrowser(t, srv)
	b.login("admin@pizza-express.com", "pizza123")
	for range len(Statuses) - 1 {
		b.post("/admin/orders/1/advance", nil)
	}
	code, body := b.post("/admin/orders/1/advance", nil)
	if code != http.StatusConflict || !strings.Contains(body, "Pedido já entregue") {
		t.Errorf("status = %d", code)
	}
}

func TestSuper_Dashboard(t *testing.T) {
	_, srv := newServer(t, Options{SeedOrders: true})
	b := newBrowser(t, srv)
	b.login("admin@deliverei.com.br", "admin123")
	_, body := b.get("/super/")
	for _, want := range []string{"Painel Super Admin", "Pizza Express", "Burger House", "R$ 28,00"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}

	c := newBrowser(t, srv)
	c.login("admin@pizza-express.com", "pizza123")
	if code, _ := c.get("/super/"); code != http.StatusForbidden {
		t.Errorf("store admin on super route: status = %d", code)
	}
}

func TestLogout_ClearsSession(t *testing.T) {
	_, srv := newServer(t, Options{})
	b := newBrowser(t, srv)
	b.login("cliente@exemplo.com", "cliente123")
	_, body := b.post("/logout", nil)
	if !strings.Contains(body, `action="/login"`) {
		t.Fatal("logout should land on login")
	}
	_, body = b.get("/")
	if strings.Contains(body, ">Sair<") {
		t.Error("still logged in after logout")
	}
}

func TestChatFrame(t *testing.T) {
	_, ok := newServer(t, Options{})
	if code, _ := newBrowser(t, ok).get("/widgets/chat"); code != http.StatusOK {
		t.Errorf("chat status = %d", code)
	}
	_, broken := newServer(t, Options{BrokenFrame: true})
	if code, _ := newBrowser(t, broken).get("/widgets/chat"); code != http.StatusInternalServerError {
		t.Errorf("broken chat status = %d", code)
	}
}

func TestNew_UnknownTenant(t *testing.T) {
	_, err := New(Options{Personas: []Persona{{Email: "x@y", Password: "p", Role: RoleStoreAdmin, Tenant: "ghost"}}, BcryptCost: bcrypt.MinCost})
	if err == nil {
		t.Fatal("expected error for unknown tenant")
	}
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"/admin/orders":    "/admin/orders",
		"//evil.example":   "",
		"https://evil.com": "",
		"":                 "",
	}
	for in, want := range cases {
		if got := safeNext(in); got != want {
			t.Errorf("safeNext(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAdmin_FlashShownOnce(t *testing.T) {
	_, srv := newServer(t, Options{SeedOrders: true})
	b := newBrowser(t, srv)
	b.login("admin@pizza-express.com", "pizza123")

	_, body := b.post("/admin/orders/1/advance", nil)
	if !strings.Contains(body, `class="flash"`) {
		t.Fatalf("missing flash after advance:\n%s", body)
	}
	_, body = b.get("/admin/orders")
	if strings.Contains(body, `class="flash"`) {
		t.Error("flash rendered twice")
	}
}

func TestSecurityHeaders(t *testing.T) {
	_, srv := newServer(t, Options{})
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	for name, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "SAMEORIGIN",
	} {
		if got := resp.Header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if !strings.Contains(resp.Header.Get("Content-Security-Policy"), "frame-ancestors 'self'") {
		t.Errorf("csp = %q", resp.Header.Get("Content-Security-Policy"))
	}
}

func TestMaxFormBody(t *testing.T) {
	_, srv := newServer(t, Options{})
	b := newBrowser(t, srv)
	code, _ := b.post("/login", url.Values{"email": {strings.Repeat("a", maxFormBytes+1)}, "password": {"x"}})
	if code == http.StatusSeeOther || code == http.StatusOK {
		t.Errorf("oversized form accepted with status %d", code)
	}
}

package demostore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

type ctxKey struct{}

// withSession attaches a session to every request, creating an anonymous
// one on first contact.
func (s *Store) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := ""
		if c, err := r.Cookie(sessionCookie); err == nil {
			sid = c.Value
		}
		s.mu.Lock()
		if _, ok := s.sessions[sid]; !ok || sid == "" {
			sid = s.newID()
			s.sessions[sid] = &session{cart: make(map[string]int)}
			setSessionCookie(w, sid)
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sid)))
	})
}

func setSessionCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionID(r *http.Request) string {
	sid, _ := r.Context().Value(ctxKey{}).(string)
	return sid
}

// user returns the logged-in account of the request, or nil. Caller holds s.mu.
func (s *Store) userLocked(r *http.Request) *account {
	sess := s.sessions[sessionID(r)]
	if sess == nil || sess.email == "" {
		return nil
	}
	return s.users[sess.email]
}

func (s *Store) requireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		u := s.userLocked(r)
		s.mu.Unlock()
		if u == nil {
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Store) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			u := s.userLocked(r)
			s.mu.Unlock()
			if u == nil || u.Role != role {
				s.log.Info("demostore: access denied", "path", r.URL.Path, "role", roleOf(u))
				s.render(w, r, http.StatusForbidden, "error", errorPage{
					Title:   "Acesso negado",
					Message: "Você não tem permissão para acessar esta página.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func roleOf(u *account) string {
	if u == nil {
		return ""
	}
	return u.Role
}

func (s *Store) handleStorefront(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "tenant")
	back := "/"
	if slug == "" && len(s.order) > 0 {
		slug = s.order[0]
	} else {
		back = "/t/" + slug
	}
	t := s.tenants[slug]
	if t == nil {
		s.render(w, r, http.StatusNotFound, "error", errorPage{Title: "Loja não encontrada", Message: "Nenhuma loja com este endereço."})
		return
	}
	var all []*Tenant
	for _, sl := range s.order {
		all = append(all, s.tenants[sl])
	}
	s.render(w, r, http.StatusOK, "storefront", storefrontPage{Tenant: t, Tenants: all, Back: back})
}

func (s *Store) handlePromo(w http.ResponseWriter, r *http.Request) {
	if s.opts.StalledFrame {
		<-r.Context().Done()
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(promoHTML))
}

func (s *Store) handleChat(w http.ResponseWriter, _ *http.Request) {
	if s.opts.BrokenFrame {
		http.Error(w, "chat widget unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(chatHTML))
}

func (s *Store) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login", loginPage{Next: safeNext(r.URL.Query().Get("next"))})
}

func (s *Store) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(strings.ToLower(r.PostForm.Get("email")))
	password := r.PostForm.Get("password")
	next := safeNext(r.PostForm.Get("next"))

	s.mu.Lock()
	acc := s.users[email]
	s.mu.Unlock()
	if acc == nil || bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		s.log.Info("demostore: login failed", "email", email)
		s.render(w, r, http.StatusUnauthorized, "login", loginPage{
			Email: email,
			Next:  next,
			Error: "E-mail ou senha inválidos",
		})
		return
	}

	// Rotate the session id on login; the cart carries over.
	s.mu.Lock()
	old := s.sessions[sessionID(r)]
	delete(s.sessions, sessionID(r))
	sid := s.newID()
	sess := &session{email: email, cart: make(map[string]int)}
	if old != nil {
		sess.cart, sess.tenant = old.cart, old.tenant
	}
	s.sessions[sid] = sess
	s.mu.Unlock()
	setSessionCookie(w, sid)
	s.log.Info("demostore: login", "email", email, "role", acc.Role)

	if next == "" {
		next = home(acc.Role)
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func home(role string) string {
	switch role {
	case RoleStoreAdmin:
		return "/admin/orders"
	case RoleSuperAdmin:
		return "/super/"
	}
	return "/"
}

// safeNext keeps only same-site absolute paths.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return ""
	}
	return next
}

func (s *Store) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.sessions, sessionID(r))
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Store) handleCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.sessions[sessionID(r)]
	var page cartPage
	if sess != nil {
		page.Items, page.Total = s.lineItems(sess.tenant, sess.cart)
	}
	s.mu.Unlock()
	s.render(w, r, http.StatusOK, "cart", page)
}

func (s *Store) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tenant, p, ok := s.product(r.PostForm.Get("product"))
	if !ok {
		http.Error(w, "unknown product", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sess := s.sessions[sessionID(r)]
	if sess != nil {
		// A cart holds one store's products.
		if sess.tenant != tenant {
			sess.tenant = tenant
			sess.cart = make(map[string]int)
		}
		sess.cart[p.ID]++
	}
	s.mu.Unlock()
	back := safeNext(r.PostForm.Get("back"))
	if back == "" {
		back = "/"
	}
	http.Redirect(w, r, back, http.StatusSeeOther)
}

func (s *Store) handleCartRemove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if sess := s.sessions[sessionID(r)]; sess != nil {
		delete(sess.cart, r.PostForm.Get("product"))
	}
	s.mu.Unlock()
	http.Redirect(w, r, "/cart", http.StatusSeeOther)
}

func (s *Store) handleCheckout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.sessions[sessionID(r)]
	items, _ := s.lineItems(sess.tenant, sess.cart)
	if len(items) == 0 {
		s.mu.Unlock()
		http.Redirect(w, r, "/cart", http.StatusSeeOther)
		return
	}
	o := s.placeLocked(sess.tenant, sess.email, items)
	sess.cart = make(map[string]int)
	s.mu.Unlock()
	s.log.Info("demostore: order placed", "order", o.ID, "tenant", o.Tenant, "total", o.Total)
	http.Redirect(w, r, fmt.Sprintf("/orders/%d", o.ID), http.StatusSeeOther)
}

func (s *Store) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	email := s.userLocked(r).Email
	orders := s.sortedOrders(func(o *Order) bool { return o.Customer == email })
	s.mu.Unlock()
	s.render(w, r, http.StatusOK, "orders", ordersPage{Orders: orders, Tenants: s.tenants})
}

func (s *Store) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	s.mu.Lock()
	email := s.userLocked(r).Email
	found := s.sortedOrders(func(o *Order) bool { return ok && o.ID == id && o.Customer == email })
	s.mu.Unlock()
	if len(found) == 0 {
		s.render(w, r, http.StatusNotFound, "error", errorPage{Title: "Pedido não encontrado", Message: "Este pedido não existe ou não pertence a você."})
		return
	}
	s.render(w, r, http.StatusOK, "order", found[0])
}

func (s *Store) handleAdminOrders(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	tenant := s.userLocked(r).Tenant
	orders := s.sortedOrders(func(o *Order) bool { return o.Tenant == tenant })
	s.mu.Unlock()

	page := adminPage{Tenant: s.tenants[tenant], Orders: orders, Flash: flashMessage(r)}
	s.render(w, r, http.StatusOK, "admin_orders", page)
}

func (s *Store) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	s.mu.Lock()
	tenant := s.userLocked(r).Tenant
	var target *Order
	for _, o := range s.orders {
		if ok && o.ID == id && o.Tenant == tenant {
			target = o
		}
	}
	if target == nil {
		s.mu.Unlock()
		s.render(w, r, http.StatusNotFound, "error", errorPage{Title: "Pedido não encontrado", Message: "Este pedido não pertence à sua loja."})
		return
	}
	if target.Final() {
		s.mu.Unlock()
		s.render(w, r, http.StatusConflict, "error", errorPage{Title: "Pedido já entregue", Message: "O status deste pedido não pode mais ser alterado."})
		return
	}
	target.Status++
	label := target.StatusLabel()
	s.mu.Unlock()
	s.log.Info("demostore: order advanced", "order", id, "status", label)
	setFlash(w, fmt.Sprintf("Status do pedido #%d atualizado para %s", id, label))
	http.Redirect(w, r, "/admin/orders", http.StatusSeeOther)
}

func (s *Store) handleSuper(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var rows []tenantRow
	for _, slug := range s.order {
		row := tenantRow{Tenant: s.tenants[slug]}
		for _, o := range s.orders {
			if o.Tenant == slug {
				row.Orders++
				row.Revenue += o.Total
			}
		}
		rows = append(rows, row)
	}
	s.mu.Unlock()
	s.render(w, r, http.StatusOK, "super", superPage{Tenants: rows})
}

// render executes a page inside the layout. The body is buffered so a
// template error still yields a clean 500.
func (s *Store) render(w http.ResponseWriter, r *http.Request, status int, name string, body any) {
	tmpl, ok := pages[name]
	if !ok {
		http.Error(w, "unknown page "+name, http.StatusInternalServerError)
		return
	}
	data := layoutData{Body: body}
	s.mu.Lock()
	if u := s.userLocked(r); u != nil {
		p := u.Persona
		data.User = &p
	}
	if sess := s.sessions[sessionID(r)]; sess != nil {
		for _, q := range sess.cart {
			data.CartCount += q
		}
	}
	s.mu.Unlock()
	data.Title = titles[name]
	if e, ok := body.(errorPage); ok {
		data.Title = e.Title
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		s.log.Error("demostore: render", "page", name, "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

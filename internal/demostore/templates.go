package demostore

import "html/template"

type layoutData struct {
	Title     string
	User      *Persona
	CartCount int
	Body      any
}

type storefrontPage struct {
	Tenant  *Tenant
	Tenants []*Tenant
	Back    string
}

type loginPage struct {
	Email string
	Next  string
	Error string
}

type cartPage struct {
	Items []LineItem
	Total int
}

type ordersPage struct {
	Orders  []Order
	Tenants map[string]*Tenant
}

type adminPage struct {
	Tenant *Tenant
	Orders []Order
	Flash  string
}

type tenantRow struct {
	Tenant  *Tenant
	Orders  int
	Revenue int
}

type superPage struct {
	Tenants []tenantRow
}

type errorPage struct {
	Title   string
	Message string
}

var titles = map[string]string{
	"storefront":   "Cardápio",
	"login":        "Entrar",
	"cart":         "Carrinho",
	"orders":       "Meus Pedidos",
	"order":        "Pedido",
	"admin_orders": "Gerenciar Pedidos",
	"super":        "Painel Super Admin",
}

// The login form keeps the structure html/body/div/div/div/div/form/div/input
// so locators recorded against the production app resolve here too.
const layoutHTML = `{{define "layout"}}<!doctype html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>{{.Title}} | Deliverei</title></head>
<body><div id="root"><div class="app">
<header><div class="nav">
<a href="/" class="brand">Deliverei</a>
<a href="/cart" class="cart-link">Carrinho <span class="badge">{{.CartCount}}</span></a>
{{- if .User}}
<span class="user">{{.User.Name}}</span>
{{- if eq .User.Role "cliente"}} <a href="/orders">Meus Pedidos</a>{{end}}
{{- if eq .User.Role "admin_loja"}} <a href="/admin/orders">Pedidos da Loja</a>{{end}}
{{- if eq .User.Role "super_admin"}} <a href="/super/">Painel</a>{{end}}
<form method="post" action="/logout" class="logout"><button type="submit">Sair</button></form>
{{- else}}
<a href="/login"><button type="button">Entrar</button></a>
{{- end}}
</div></header>
<div class="page">{{template "content" .Body}}</div>
</div></div></body>
</html>{{end}}`

var contents = map[string]string{
	"storefront": `{{define "content"}}<div class="hero"><h1>{{.Tenant.Name}}</h1>
<nav class="tenants">{{range .Tenants}}<a href="/t/{{.Slug}}">{{.Name}}</a> {{end}}</nav></div>
<div class="grid">
{{- range .Tenant.Products}}
<div class="product" id="product-{{.ID}}">
<div class="info"><h2>{{.Name}}</h2><span class="price">{{price .Price}}</span></div>
<div class="actions"><form method="post" action="/cart/add"><input type="hidden" name="product" value="{{.ID}}"><input type="hidden" name="back" value="{{$.Back}}"><button type="submit">Adicionar</button></form></div>
</div>
{{- end}}
</div>
<div class="widgets"><iframe name="promo" src="/promo"></iframe><iframe name="chat" src="/widgets/chat"></iframe></div>{{end}}`,

	"login": `{{define "content"}}<div class="card"><h1>Entrar</h1>
{{- with .Error}}<p class="error" role="alert">{{.}}</p>{{end}}
<form method="post" action="/login">
<div><input type="email" name="email" placeholder="E-mail" value="{{.Email}}"></div>
<div><input type="password" name="password" placeholder="Senha"></div>
<input type="hidden" name="next" value="{{.Next}}">
<button type="submit">Entrar</button>
</form></div>{{end}}`,

	"cart": `{{define "content"}}<div class="cart"><h1>Carrinho</h1>
{{- if .Items}}
<table class="items"><thead><tr><th>Produto</th><th>Qtd</th><th>Preço</th><th></th></tr></thead><tbody>
{{- range .Items}}
<tr><td class="name">{{.Product.Name}}</td><td class="qty">{{.Qty}}</td><td>{{price .Subtotal}}</td>
<td><form method="post" action="/cart/remove"><input type="hidden" name="product" value="{{.Product.ID}}"><button type="submit">Remover</button></form></td></tr>
{{- end}}
</tbody></table>
<p class="subtotal">Subtotal: <strong>{{price .Total}}</strong></p>
<form method="post" action="/checkout"><button type="submit">Finalizar Pedido</button></form>
{{- else}}
<p class="empty">Seu carrinho está vazio</p>
{{- end}}</div>{{end}}`,

	"orders": `{{define "content"}}<div class="orders"><h1>Meus Pedidos</h1>
<table><tbody>
{{- range .Orders}}
<tr id="order-{{.ID}}"><td>#{{.ID}}</td><td>{{with index $.Tenants .Tenant}}{{.Name}}{{end}}</td><td>{{price .Total}}</td><td class="status">{{.StatusLabel}}</td></tr>
{{- else}}
<tr><td>Nenhum pedido ainda</td></tr>
{{- end}}
</tbody></table></div>{{end}}`,

	"order": `{{define "content"}}<div class="order"><h1>Pedido #{{.ID}} confirmado</h1>
<p class="status">Status: {{.StatusLabel}}</p>
<ul>{{range .Items}}<li>{{.Qty}}x {{.Product.Name}}</li>{{end}}</ul>
<p class="total">Total: {{price .Total}}</p></div>{{end}}`,

	"admin_orders": `{{define "content"}}<div class="admin"><h1>Gerenciar Pedidos</h1>
<p class="tenant">{{with .Tenant}}{{.Name}}{{end}}</p>
{{- with .Flash}}<p class="flash" role="status">{{.}}</p>{{end}}
<table class="orders"><thead><tr><th>Pedido</th><th>Cliente</th><th>Total</th><th>Status</th><th></th></tr></thead><tbody>
{{- range .Orders}}
<tr id="order-{{.ID}}"><td>#{{.ID}}</td><td>{{.Customer}}</td><td>{{price .Total}}</td><td class="status">{{.StatusLabel}}</td>
<td>{{if not .Final}}<form method="post" action="/admin/orders/{{.ID}}/advance"><button type="submit">Avançar Status</button></form>{{end}}</td></tr>
{{- else}}
<tr><td colspan="5">Nenhum pedido</td></tr>
{{- end}}
</tbody></table></div>{{end}}`,

	"super": `{{define "content"}}<div class="super"><h1>Painel Super Admin</h1>
<table class="tenants"><thead><tr><th>Loja</th><th>Pedidos</th><th>Faturamento</th></tr></thead><tbody>
{{- range .Tenants}}
<tr id="tenant-{{.Tenant.Slug}}"><td>{{.Tenant.Name}}</td><td class="count">{{.Orders}}</td><td>{{price .Revenue}}</td></tr>
{{- end}}
</tbody></table></div>{{end}}`,

	"error": `{{define "content"}}<div class="error-page"><h1>{{.Title}}</h1><p>{{.Message}}</p></div>{{end}}`,
}

const promoHTML = `<!doctype html><html><body><p class="promo">Promoção do dia: frete grátis acima de R$ 50</p></body></html>`

const chatHTML = `<!doctype html><html><body><p class="chat">Fale conosco</p></body></html>`

var pages = mustPages()

func mustPages() map[string]*template.Template {
	funcs := template.FuncMap{"price": formatPrice}
	base := template.Must(template.New("layout").Funcs(funcs).Parse(layoutHTML))
	out := make(map[string]*template.Template, len(contents))
	for name, body := range contents {
		out[name] = template.Must(template.Must(base.Clone()).Parse(body))
	}
	return out
}

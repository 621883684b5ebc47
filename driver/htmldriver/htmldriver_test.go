package htmldriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/storeprobe/driver"
)

const loginPage = `<!doctype html>
<html><head><title>Login</title><style>.x{}</style></head>
<body>
  <div id="app">
    <form method="post" action="/login">
      <input type="hidden" name="csrf" value="tok">
      <input name="email" value="prefilled">
      <input name="password" type="password">
      <button type="submit"><span>Entrar</span></button>
    </form>
    <p style="display: none">Secret</p>
    <p class="hidden">Also secret</p>
    <p>Bem-vindo</p>
    <iframe name="ads" src="/frame"></iframe>
    <iframe name="broken" src="/missing"></iframe>
  </div>
</body></html>`

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, loginPage)
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("csrf") != "tok" {
			http.Error(w, "bad csrf", http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "who", Value: r.PostFormValue("email"), Path: "/"})
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /home", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("who")
		if err != nil {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		fmt.Fprintf(w, `<html><body><h1>Olá %s</h1><a href="/">Sair</a></body></html>`, c.Value)
	})
	mux.HandleFunc("GET /frame", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><button>Ad</button></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openPage(t *testing.T, srv *httptest.Server) (driver.Session, driver.Page) {
	t.Helper()
	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sess, err := d.StartSession(context.Background(), driver.Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	page, err := sess.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if err := page.Navigate(context.Background(), srv.URL+"/", driver.NavigateOptions{WaitUntil: driver.Commit, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	return sess, page
}

func queryOne(t *testing.T, tgt driver.Target, q driver.Query) driver.Element {
	t.Helper()
	els, err := tgt.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query(%s): %v", q, err)
	}
	if len(els) != 1 {
		t.Fatalf("Query(%s): got %d matches, want 1", q, len(els))
	}
	return els[0]
}

func TestQuery_Strategies(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	ctx := context.Background()

	cases := []struct {
		q    driver.Query
		want int
	}{
		{driver.Query{Strategy: driver.XPath, Expr: "html/body/div/form/input"}, 3},
		{driver.Query{Strategy: driver.XPath, Expr: "html/body/div/form/input[2]"}, 1},
		{driver.Query{Strategy: driver.XPath, Expr: "//input[@name='email']"}, 1},
		{driver.Query{Strategy: driver.XPath, Expr: "//form//span"}, 1},
		{driver.Query{Strategy: driver.XPath, Expr: "//p[contains(text(),'secret')]"}, 1},
		{driver.Query{Strategy: driver.XPath, Expr: "//p[last()]"}, 1},
		{driver.Query{Strategy: driver.CSS, Expr: "form input[type=password]"}, 1},
		{driver.Query{Strategy: driver.CSS, Expr: "#app > p"}, 3},
		{driver.Query{Strategy: driver.Text, Expr: "entrar"}, 1},
		{driver.Query{Strategy: driver.Text, Expr: "Login"}, 0},
	}
	for _, tc := range cases {
		els, err := page.Query(ctx, tc.q)
		if err != nil {
			t.Errorf("Query(%s): %v", tc.q, err)
			continue
		}
		if len(els) != tc.want {
			t.Errorf("Query(%s): got %d, want %d", tc.q, len(els), tc.want)
		}
	}

	if _, err := page.Query(ctx, driver.Query{Strategy: driver.CSS, Expr: "div["}); err == nil {
		t.Error("expected error for invalid css")
	}
	if _, err := page.Query(ctx, driver.Query{Strategy: driver.XPath, Expr: "//div[@a='x'"}); err == nil {
		t.Error("expected error for unbalanced xpath")
	}
}

func TestText_InnermostMatch(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	el := queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Entrar"})
	txt, err := el.Text(context.Background())
	if err != nil || txt != "Entrar" {
		t.Errorf("Text: got %q, %v", txt, err)
	}
}

func TestVisible(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	ctx := context.Background()

	cases := map[string]bool{
		"//p[normalize-space()='Secret']":      false,
		"//p[normalize-space()='Also secret']": false,
		"//p[normalize-space()='Bem-vindo']":   true,
		"//input[@name='csrf']":                false,
		"//input[@name='email']":               true,
	}
	for xp, want := range cases {
		el := queryOne(t, page, driver.Query{Strategy: driver.XPath, Expr: xp})
		got, err := el.Visible(ctx)
		if err != nil {
			t.Errorf("Visible(%s): %v", xp, err)
			continue
		}
		if got != want {
			t.Errorf("Visible(%s): got %v, want %v", xp, got, want)
		}
	}
}

func TestFillAndSubmit(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	ctx := context.Background()

	email := queryOne(t, page, driver.Query{Strategy: driver.CSS, Expr: "input[name=email]"})
	if err := email.Fill(ctx, "cliente@exemplo.com"); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	hidden := queryOne(t, page, driver.Query{Strategy: driver.CSS, Expr: "input[name=csrf]"})
	if err := hidden.Fill(ctx, "x"); !errors.Is(err, driver.ErrNotInteractable) {
		t.Errorf("Fill hidden: got %v, want ErrNotInteractable", err)
	}

	// Clicking the span inside the button submits the form.
	span := queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Entrar"})
	if err := span.Click(ctx); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if !strings.HasSuffix(page.URL(), "/home") {
		t.Errorf("URL after submit: got %s", page.URL())
	}
	queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Olá cliente@exemplo.com"})

	// The old handle belongs to the previous document.
	if _, err := email.Visible(ctx); !driver.IsStale(err) {
		t.Errorf("stale handle: got %v, want ErrDetached", err)
	}
}

func TestClick_TruncatedResponse(t *testing.T) {
	var posts atomic.Int32
	truncated := func(w http.ResponseWriter) {
		w.Header().Set("Content-Length", "1000")
		io.WriteString(w, "<html><body>")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body>
<form method="post" action="/cart/add"><button type="submit">Adicionar</button></form>
<a href="/cart">Carrinho</a></body></html>`)
	})
	mux.HandleFunc("POST /cart/add", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		truncated(w)
	})
	mux.HandleFunc("GET /cart", func(w http.ResponseWriter, r *http.Request) {
		truncated(w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	_, page := openPage(t, srv)
	ctx := context.Background()

	add := queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Adicionar"})
	err := add.Click(ctx)
	if !errors.Is(err, driver.ErrDispatched) {
		t.Errorf("form submit: got %v, want ErrDispatched", err)
	}
	if n := posts.Load(); n != 1 {
		t.Errorf("posts: got %d, want 1", n)
	}

	// A link is safe to follow again.
	cart := queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Carrinho"})
	err = cart.Click(ctx)
	if err == nil || errors.Is(err, driver.ErrDispatched) {
		t.Errorf("link: got %v, want a retryable error", err)
	}
}

func TestNavigate_RelativeFollowsRedirect(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)

	if err := page.Navigate(context.Background(), "/home", driver.NavigateOptions{}); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	// No cookie yet: redirected back to login.
	if page.URL() != srv.URL+"/" {
		t.Fatalf("URL: got %s", page.URL())
	}
}

func TestClickLink(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	ctx := context.Background()

	if err := queryOne(t, page, driver.Query{Strategy: driver.CSS, Expr: "button"}).Click(ctx); err != nil {
		t.Fatalf("Click submit: %v", err)
	}
	if err := queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Sair"}).Click(ctx); err != nil {
		t.Fatalf("Click link: %v", err)
	}
	if page.URL() != srv.URL+"/" {
		t.Errorf("URL after link: got %s", page.URL())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	srv := testServer(t)
	sessA, pageA := openPage(t, srv)
	ctx := context.Background()

	email := queryOne(t, pageA, driver.Query{Strategy: driver.CSS, Expr: "input[name=email]"})
	email.Fill(ctx, "a@x.com")
	if err := queryOne(t, pageA, driver.Query{Strategy: driver.CSS, Expr: "button"}).Click(ctx); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if !strings.HasSuffix(pageA.URL(), "/home") {
		t.Fatalf("session A not logged in: %s", pageA.URL())
	}

	_, pageB := openPage(t, srv)
	if err := pageB.Navigate(ctx, srv.URL+"/home", driver.NavigateOptions{}); err != nil {
		t.Fatalf("Navigate B: %v", err)
	}
	if strings.HasSuffix(pageB.URL(), "/home") {
		t.Error("session B shares cookies with session A")
	}
	_ = sessA
}

func TestFrames(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	ctx := context.Background()

	frames, err := page.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames: got %d, want 2", len(frames))
	}
	if err := frames[0].WaitForLoadState(ctx, driver.DOMContentLoaded, time.Second); err != nil {
		t.Errorf("ads frame: %v", err)
	}
	queryOne(t, frames[0], driver.Query{Strategy: driver.Text, Expr: "Ad"})

	err = frames[1].WaitForLoadState(ctx, driver.DOMContentLoaded, time.Second)
	if !errors.Is(err, driver.ErrLoadState) {
		t.Errorf("broken frame: got %v, want ErrLoadState", err)
	}
	if err := page.WaitForLoadState(ctx, driver.DOMContentLoaded, time.Second); err != nil {
		t.Errorf("page: %v", err)
	}
}

func TestNavigate_CommitDoesNotWaitForFrames(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><p>Loja</p><iframe name="slow" src="/slow"></iframe><iframe name="ads" src="/frame"></iframe></body></html>`)
	})
	mux.HandleFunc("GET /frame", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><button>Ad</button></body></html>`)
	})
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	sess, err := d.StartSession(ctx, driver.Config{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	page, err := sess.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	start := time.Now()
	if err := page.Navigate(ctx, srv.URL+"/", driver.NavigateOptions{WaitUntil: driver.Commit, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("commit navigation took %s", elapsed)
	}
	queryOne(t, page, driver.Query{Strategy: driver.Text, Expr: "Loja"})

	frames, err := page.Frames(ctx)
	if err != nil || len(frames) != 2 {
		t.Fatalf("Frames: %d, %v", len(frames), err)
	}
	start = time.Now()
	err = frames[0].WaitForLoadState(ctx, driver.DOMContentLoaded, 100*time.Millisecond)
	if !errors.Is(err, driver.ErrLoadState) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("slow frame: got %v, want load-state deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("slow frame wait took %s, want about its own timeout", elapsed)
	}
	if err := frames[1].WaitForLoadState(ctx, driver.DOMContentLoaded, 2*time.Second); err != nil {
		t.Errorf("ads frame: %v", err)
	}
	queryOne(t, frames[1], driver.Query{Strategy: driver.Text, Expr: "Ad"})

	if err := page.WaitForLoadState(ctx, driver.DOMContentLoaded, 100*time.Millisecond); err != nil {
		t.Errorf("page domcontentloaded: %v", err)
	}
	if err := page.WaitForLoadState(ctx, driver.Load, 100*time.Millisecond); !errors.Is(err, driver.ErrLoadState) {
		t.Errorf("page load with a hanging frame: got %v, want ErrLoadState", err)
	}

	err = page.Navigate(ctx, srv.URL+"/", driver.NavigateOptions{WaitUntil: driver.Load, Timeout: 200 * time.Millisecond})
	var ne *driver.NavigationError
	if !errors.As(err, &ne) {
		t.Errorf("load navigation with a hanging frame: got %v, want *NavigationError", err)
	}
}

func TestNavigate_Unreachable(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	err := page.Navigate(context.Background(), "http://127.0.0.1:1/", driver.NavigateOptions{WaitUntil: driver.Commit, Timeout: time.Second})
	var ne *driver.NavigationError
	if !errors.As(err, &ne) {
		t.Fatalf("error: got %v, want *NavigationError", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := testServer(t)
	sess, page := openPage(t, srv)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close again: %v", err)
	}
	if _, err := page.Query(context.Background(), driver.Query{Strategy: driver.CSS, Expr: "p"}); !errors.Is(err, driver.ErrClosed) {
		t.Errorf("Query after close: got %v, want ErrClosed", err)
	}
	if _, err := sess.NewPage(context.Background()); !errors.Is(err, driver.ErrClosed) {
		t.Errorf("NewPage after close: got %v", err)
	}
}

func TestEvalUnsupported(t *testing.T) {
	srv := testServer(t)
	_, page := openPage(t, srv)
	if _, err := page.Eval(context.Background(), "1+1"); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("Eval: got %v", err)
	}
}

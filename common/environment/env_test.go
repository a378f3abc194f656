package environment_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/Hanashi/common/environment"
)

func fakeEnv(vars map[string]string) environment.Env {
	return environment.Env{
		Prefix: "T_",
		Lookup: func(name string) (string, bool) {
			v, ok := vars[name]
			return v, ok
		},
	}
}

func TestEnv_String(t *testing.T) {
	env := fakeEnv(map[string]string{"T_MODEL": "gpt-4o", "T_EMPTY": ""})

	got := "default"
	env.String("MODEL", &got)
	if got != "gpt-4o" {
		t.Errorf("got %q", got)
	}

	got = "default"
	env.String("EMPTY", &got)
	env.String("MISSING", &got)
	if got != "default" {
		t.Errorf("empty/missing overwrote value: %q", got)
	}
}

func TestEnv_Required(t *testing.T) {
	env := fakeEnv(map[string]string{"T_KEY": "abc"})
	if v, err := env.Required("KEY"); err != nil || v != "abc" {
		t.Fatalf("Required = %q, %v", v, err)
	}
	if _, err := env.Required("NOPE"); err == nil {
		t.Fatal("expected error for missing variable")
	}
}

func TestEnv_Typed(t *testing.T) {
	env := fakeEnv(map[string]string{
		"T_BOOL":     "true",
		"T_INT":      " 42 ",
		"T_BAD_INT":  "many",
		"T_DURATION": "90s",
		"T_LIST":     " a, b ,,c ",
		"T_BLANKS":   " , ,",
	})

	var b bool
	env.Bool("BOOL", &b)
	if !b {
		t.Error("Bool not applied")
	}

	n := 7
	env.Int("INT", &n)
	if n != 42 {
		t.Errorf("Int = %d", n)
	}
	env.Int("BAD_INT", &n)
	if n != 42 {
		t.Errorf("bad int overwrote value: %d", n)
	}

	var d time.Duration
	env.Duration("DURATION", &d)
	if d != 90*time.Second {
		t.Errorf("Duration = %v", d)
	}

	list := []string{"x"}
	env.StringSlice("LIST", &list)
	if !reflect.DeepEqual(list, []string{"a", "b", "c"}) {
		t.Errorf("StringSlice = %v", list)
	}
	env.StringSlice("BLANKS", &list)
	if len(list) != 3 {
		t.Errorf("blank list overwrote value: %v", list)
	}
}

func TestEnv_RealLookup(t *testing.T) {
	t.Setenv("HANASHI_TEST_VALUE", "from-env")
	got := ""
	environment.New("HANASHI_").String("TEST_VALUE", &got)
	if got != "from-env" {
		t.Fatalf("got %q", got)
	}
}

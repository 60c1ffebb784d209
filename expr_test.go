package usersim

import (
	"errors"
	"reflect"
	"testing"
)

func TestFreeVars(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		want []string
	}{
		{
			name: "literal only",
			expr: Bool(true),
			want: []string{},
		},
		{
			name: "single variable",
			expr: Compare{Op: OpLe, L: Var("wall_ms"), R: Num(4500)},
			want: []string{"wall_ms"},
		},
		{
			name: "duplicates collapse",
			expr: Implies{
				If:   Compare{Op: OpGt, L: Var("wall_ms"), R: Num(0)},
				Then: Compare{Op: OpLe, L: Var("wall_ms"), R: Num(4500)},
			},
			want: []string{"wall_ms"},
		},
		{
			name: "sorted across operators",
			expr: And{
				Compare{Op: OpLt, L: Var("zeta"), R: Var("alpha")},
				Or{Var("mid"), Not{X: Var("alpha")}},
			},
			want: []string{"alpha", "mid", "zeta"},
		},
		{
			name: "arithmetic operands",
			expr: Compare{
				Op: OpLe,
				L:  Arith{Op: OpMul, L: Var("errors"), R: Num(1000)},
				R:  Arith{Op: OpMul, L: Var("total"), R: Num(1)},
			},
			want: []string{"errors", "total"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FreeVars(tt.expr)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FreeVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		expr    Expr
		wantErr bool
	}{
		{
			name:    "well formed conditional",
			expr:    Implies{If: Var("p"), Then: Var("q")},
			wantErr: false,
		},
		{
			name:    "and with one operand",
			expr:    And{Var("p")},
			wantErr: true,
		},
		{
			name:    "or with zero operands",
			expr:    Or{},
			wantErr: true,
		},
		{
			name:    "and with three operands",
			expr:    And{Var("a"), Var("b"), Var("c")},
			wantErr: false,
		},
		{
			name:    "nil child",
			expr:    Not{X: nil},
			wantErr: true,
		},
		{
			name:    "nested malformed",
			expr:    Implies{If: Var("p"), Then: Or{Var("q")}},
			wantErr: true,
		},
		{
			name:    "unknown comparison operator",
			expr:    Compare{Op: CmpOp("~="), L: Var("a"), R: Num(1)},
			wantErr: true,
		},
		{
			name:    "unknown arithmetic operator",
			expr:    Arith{Op: ArithOp("%"), L: Var("a"), R: Num(2)},
			wantErr: true,
		},
		{
			name:    "empty variable name",
			expr:    Var(""),
			wantErr: true,
		},
		{
			name:    "non-finite literal",
			expr:    Num(nan()),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var merr *MalformedExpressionError
				if !errors.As(err, &merr) {
					t.Errorf("Validate() error type = %T, want *MalformedExpressionError", err)
				}
			}
		})
	}
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestFingerprint(t *testing.T) {
	errRate := func() Expr {
		return Compare{
			Op: OpLe,
			L:  Arith{Op: OpMul, L: Var("errors"), R: Num(1000)},
			R:  Arith{Op: OpMul, L: Var("total"), R: Num(1)},
		}
	}

	t.Run("identical structure matches across labels", func(t *testing.T) {
		if Fingerprint(errRate()) != Fingerprint(errRate()) {
			t.Fatal("identical expressions must fingerprint equally")
		}
	})

	t.Run("different constant differs", func(t *testing.T) {
		other := Compare{
			Op: OpLe,
			L:  Arith{Op: OpMul, L: Var("errors"), R: Num(1000)},
			R:  Arith{Op: OpMul, L: Var("total"), R: Num(2)},
		}
		if Fingerprint(errRate()) == Fingerprint(other) {
			t.Fatal("different constants must not collide")
		}
	})

	t.Run("different variable differs", func(t *testing.T) {
		a := Compare{Op: OpGt, L: Var("wall_ms"), R: Num(0)}
		b := Compare{Op: OpGt, L: Var("cpu_ms"), R: Num(0)}
		if Fingerprint(a) == Fingerprint(b) {
			t.Fatal("different variables must not collide")
		}
	})

	t.Run("operand order matters", func(t *testing.T) {
		a := And{Var("p"), Var("q")}
		b := And{Var("q"), Var("p")}
		if Fingerprint(a) == Fingerprint(b) {
			t.Fatal("operand order is part of the structure")
		}
	})

	t.Run("variable leaf does not collide with boolean leaf", func(t *testing.T) {
		a := And{Var("true"), Var("p")}
		b := And{Bool(true), Var("p")}
		if Fingerprint(a) == Fingerprint(b) {
			t.Fatal("variable named true must differ from literal true")
		}
	})
}

package sandbox

import "testing"

func TestParseLetBindingAndCall(t *testing.T) {
	prog, err := Parse(`let ctx = queryRAG(query="hello", topK=2)
finalAnswer(ctx.text)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(prog.Stmts) != 2 {
		t.Fatalf("got %d statements, want 2", len(prog.Stmts))
	}

	first := prog.Stmts[0]
	if first.LetName != "ctx" {
		t.Errorf("LetName = %q, want ctx", first.LetName)
	}
	call, ok := first.Expr.(CallExpr)
	if !ok {
		t.Fatalf("expr type = %T, want CallExpr", first.Expr)
	}
	if call.Callee != "queryRAG" || len(call.Args) != 2 {
		t.Errorf("got call %+v", call)
	}
	if call.Args[0].Name != "query" || call.Args[1].Name != "topK" {
		t.Errorf("expected named args, got %+v", call.Args)
	}

	second := prog.Stmts[1]
	finalCall, ok := second.Expr.(CallExpr)
	if !ok || finalCall.Callee != "finalAnswer" {
		t.Fatalf("second stmt = %+v, want finalAnswer call", second.Expr)
	}
	if len(finalCall.Args) != 1 || finalCall.Args[0].Name != "" {
		t.Errorf("finalAnswer args = %+v, want one unnamed arg", finalCall.Args)
	}
	field, ok := finalCall.Args[0].Expr.(FieldAccess)
	if !ok || field.Field != "text" {
		t.Errorf("finalAnswer argument = %+v, want FieldAccess{Field: text}", finalCall.Args[0].Expr)
	}
}

func TestParseIndexAccess(t *testing.T) {
	prog, err := Parse(`webSearch(query="x")[0]`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx, ok := prog.Stmts[0].Expr.(IndexAccess)
	if !ok {
		t.Fatalf("expr type = %T, want IndexAccess", prog.Stmts[0].Expr)
	}
	if idx.Index != 0 {
		t.Errorf("Index = %d, want 0", idx.Index)
	}
}

func TestParseRejectsPositionalArgumentOnOrdinaryCall(t *testing.T) {
	// Parsing succeeds (grammar allows a bare expression as an argument);
	// the evaluator is what rejects positional arguments for non-finalAnswer
	// calls, since the parser cannot know which identifiers are tool names.
	prog, err := Parse(`writeNote("bare")`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	call := prog.Stmts[0].Expr.(CallExpr)
	if call.Args[0].Name != "" {
		t.Errorf("expected unnamed arg to parse, got name %q", call.Args[0].Name)
	}
}

func TestParseRejectsMalformedSyntax(t *testing.T) {
	cases := []string{
		`let = 3`,
		`foo(`,
		`foo(bar=)`,
		`"unterminated`,
	}
	for _, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", src)
		}
	}
}

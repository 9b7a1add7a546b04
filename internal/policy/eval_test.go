package policy

import "testing"

func TestEvaluate_NilConditionIsFalse(t *testing.T) {
	if Evaluate(nil, Context{}) {
		t.Error("a nil condition should evaluate to false")
	}
}

func TestEvaluate_UnknownOperatorFailsClosed(t *testing.T) {
	n := &Node{Op: "bogus"}
	if Evaluate(n, Context{}) {
		t.Error("an unrecognized operator must evaluate to false (fail-closed)")
	}
}

func TestEvaluate_VarLookup(t *testing.T) {
	n := Cmp(OpEq, VarRef("tool"), Lit("send_email"))
	ctx := Context{Tool: "send_email"}
	if !Evaluate(n, ctx) {
		t.Error("tool == \"send_email\" should match when ctx.Tool is send_email")
	}

	ctx2 := Context{Tool: "list_emails"}
	if Evaluate(n, ctx2) {
		t.Error("tool == \"send_email\" should not match when ctx.Tool is list_emails")
	}
}

func TestEvaluate_ArgsDottedPath(t *testing.T) {
	n := Cmp(OpGt, VarRef("args.max_results"), Lit(100.0))
	ctx := Context{Args: map[string]any{"max_results": 500.0}}
	if !Evaluate(n, ctx) {
		t.Error("args.max_results > 100 should match when max_results is 500")
	}
}

func TestEvaluate_AndOrNot(t *testing.T) {
	tool := Cmp(OpEq, VarRef("tool"), Lit("send_email"))
	plugin := Cmp(OpEq, VarRef("plugin"), Lit("gmail"))

	and := And(tool, plugin)
	if Evaluate(and, Context{Tool: "send_email", Plugin: "outlook"}) {
		t.Error("and() should be false when one child is false")
	}
	if !Evaluate(and, Context{Tool: "send_email", Plugin: "gmail"}) {
		t.Error("and() should be true when every child is true")
	}

	or := Or(tool, plugin)
	if !Evaluate(or, Context{Tool: "list_emails", Plugin: "gmail"}) {
		t.Error("or() should be true when at least one child is true")
	}

	not := Not(tool)
	if Evaluate(not, Context{Tool: "send_email"}) {
		t.Error("not(tool==send_email) should be false when tool is send_email")
	}
}

func TestEvaluate_InSubstringForStrings(t *testing.T) {
	n := In(VarRef("args.query"), VarRef("args.haystack"))
	ctx := Context{Args: map[string]any{"query": "invoice", "haystack": "your invoice is attached"}}
	if !Evaluate(n, ctx) {
		t.Error("\"invoice\" in \"your invoice is attached\" should be true")
	}
}

func TestEvaluate_InListMembership(t *testing.T) {
	n := In(VarRef("args.label"), Lit([]any{"inbox", "sent"}))
	ctx := Context{Args: map[string]any{"label": "sent"}}
	if !Evaluate(n, ctx) {
		t.Error("\"sent\" in [inbox, sent] should be true")
	}
	ctx2 := Context{Args: map[string]any{"label": "drafts"}}
	if Evaluate(n, ctx2) {
		t.Error("\"drafts\" in [inbox, sent] should be false")
	}
}

func TestEvaluate_ConditionRoundTripsThroughJSON(t *testing.T) {
	n := And(
		Cmp(OpEq, VarRef("category"), Lit("email")),
		Not(Cmp(OpEq, VarRef("plugin"), Lit("trusted-plugin"))),
	)
	raw, err := MarshalCondition(n)
	if err != nil {
		t.Fatalf("MarshalCondition: %v", err)
	}
	parsed, err := UnmarshalCondition(raw)
	if err != nil {
		t.Fatalf("UnmarshalCondition: %v", err)
	}

	ctx := Context{Category: "email", Plugin: "other-plugin"}
	if !Evaluate(parsed, ctx) {
		t.Error("condition should still evaluate correctly after a marshal/unmarshal round trip")
	}
}

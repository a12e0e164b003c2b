package notifications

import (
	"reflect"
	"testing"
)

func TestPlanFor_OrderPlacedFansOut(t *testing.T) {
	vars := Variables{"orderId": "o-1", "amount": 10.0}
	req := Request{Template: TemplateOrderPlaced, Recipient: "buyer@example.com", Variables: vars}

	plan := PlanFor(req)
	if len(plan) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(plan))
	}
	if plan[0].Template != TemplateOrderPlaced || plan[1].Template != TemplateOrderReceipt {
		t.Errorf("expected [orderPlaced orderReceipt], got [%s %s]", plan[0].Template, plan[1].Template)
	}
	for i, d := range plan {
		if d.Recipient != "buyer@example.com" {
			t.Errorf("send %d: expected same recipient, got %s", i, d.Recipient)
		}
		if !reflect.DeepEqual(d.Variables, vars) {
			t.Errorf("send %d: expected identical variables, got %v", i, d.Variables)
		}
	}
}

func TestPlanFor_SendsDoNotShareVariables(t *testing.T) {
	req := Request{Template: TemplateOrderPlaced, Recipient: "buyer@example.com", Variables: Variables{"orderId": "o-1"}}

	plan := PlanFor(req)
	plan[0].Variables["subject"] = "changed by the first sender"

	if _, ok := plan[1].Variables["subject"]; ok {
		t.Error("expected the receipt variables unaffected by the first send")
	}
	if plan[1].Variables["orderId"] != "o-1" {
		t.Errorf("expected receipt to keep orderId, got %v", plan[1].Variables)
	}
}

func TestPlanFor_OneToOne(t *testing.T) {
	for id := range schemas {
		if id == TemplateOrderPlaced {
			continue
		}
		req := Request{Template: id, Recipient: "user@example.com", Variables: Variables{"k": "v"}}

		plan := PlanFor(req)
		want := Plan{{Template: id, Recipient: "user@example.com", Variables: Variables{"k": "v"}}}
		if !reflect.DeepEqual(plan, want) {
			t.Errorf("%s: expected %v, got %v", id, want, plan)
		}
	}
}

func TestPlanFor_Deterministic(t *testing.T) {
	req := Request{Template: TemplateOrderPlaced, Recipient: "a@b.com", Variables: Variables{"orderId": "1"}}
	first := PlanFor(req)
	for i := 0; i < 10; i++ {
		if !reflect.DeepEqual(PlanFor(req), first) {
			t.Fatal("expected identical plans for identical requests")
		}
	}
}

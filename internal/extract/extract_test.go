package extract

import "testing"

func TestClassifyAccountPhrase(t *testing.T) {
	res := Classify("my account number is 12345678 and my sort code is 12-34-56")
	if !res.HasAccountDetails {
		t.Fatalf("HasAccountDetails = false, want true")
	}
	if res.AccountNumber != "12345678" {
		t.Fatalf("AccountNumber = %q, want %q", res.AccountNumber, "12345678")
	}
	if res.SortCode != "12-34-56" {
		t.Fatalf("SortCode = %q, want %q", res.SortCode, "12-34-56")
	}
}

func TestClassifySortCodeFirstPhrase(t *testing.T) {
	res := Classify("sort code 10 20 30, account number 87654321")
	if !res.HasAccountDetails {
		t.Fatalf("HasAccountDetails = false, want true")
	}
	if res.AccountNumber != "87654321" || res.SortCode != "10-20-30" {
		t.Fatalf("unexpected details: %+v", res)
	}
}

func TestClassifyBareNumberFallback(t *testing.T) {
	res := Classify("the details are 12345678 then 112233")
	if !res.HasAccountDetails {
		t.Fatalf("HasAccountDetails = false, want true")
	}
	if res.AccountNumber != "12345678" || res.SortCode != "11-22-33" {
		t.Fatalf("unexpected details: %+v", res)
	}
}

func TestClassifyNoDetails(t *testing.T) {
	res := Classify("hello there, how are you today")
	if res.HasAccountDetails {
		t.Fatalf("HasAccountDetails = true, want false")
	}
	if res.AccountNumber != "" || res.SortCode != "" {
		t.Fatalf("unexpected details: %+v", res)
	}
}

func TestClassifyAccountNumberAloneIsNotEnough(t *testing.T) {
	res := Classify("my account number is 12345678")
	if res.HasAccountDetails {
		t.Fatalf("HasAccountDetails = true, want false without a sort code")
	}
}

func TestClassifyIntentPriorityOrder(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"what's my balance please", "balance"},
		{"show me my recent transactions", "transactions"},
		{"I want to dispute a charge", "dispute"},
		{"can we talk about my mortgage", "mortgage"},
		{"I need to make a payment", "payment"},
		{"tell me a joke", ""},
		// balance outranks payment when both appear.
		{"check my balance before the payment", "balance"},
	}
	for _, tc := range cases {
		got := Classify(tc.message).Intent
		if got != tc.want {
			t.Fatalf("Classify(%q).Intent = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestClassifyIntentAndDetailsAreIndependent(t *testing.T) {
	res := Classify("balance check for account number 12345678 sort code 12-34-56")
	if res.Intent != "balance" {
		t.Fatalf("Intent = %q, want %q", res.Intent, "balance")
	}
	if !res.HasAccountDetails {
		t.Fatalf("HasAccountDetails = false, want true")
	}
}

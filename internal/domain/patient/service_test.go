package patient

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/mio"
	"github.com/ehr/rcm/pkg/pagination"
)

type fakeDevices struct {
	readings []mio.Reading
	err      error
	gotSince time.Time
	gotRef   string
}

func (f *fakeDevices) Readings(_ context.Context, ref string, since time.Time) ([]mio.Reading, error) {
	f.gotRef, f.gotSince = ref, since
	return f.readings, f.err
}

func newTestService() (*Service, *mockRepo, *fakeDevices) {
	repo := newMockRepo()
	devices := &fakeDevices{}
	return NewService(repo, txRunner{repo: repo}, testCipher, devices, zerolog.Nop()), repo, devices
}

func validRequest() *AddPatientRequest {
	return &AddPatientRequest{
		FirstName:   "Jane",
		LastName:    "Doe",
		DOB:         "1961-04-12",
		Email:       "jane@example.com",
		SSN:         "123-45-6789",
		ServiceType: []int{ServiceRPM, ServiceCCM},
		ProviderIDs: []int64{2},
		Allergies:   []Allergy{{Allergen: "Penicillin", Severity: "high"}},
		Insurances:  []Insurance{{PayerName: "Medicare", IsPrimary: true}},
		Medications: []Medication{{Name: "Metformin", Dosage: "500mg"}},
		Diagnoses:   []Diagnosis{{ICDCode: "E11.9"}},
		Notes:       []Note{{Note: "Enrollment call", Type: "ccm", Duration: 15}},
		CPTBilling:  []CPTBilling{{Code: "99490"}},
	}
}

func TestAddPatient_CreatesEverything(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.WithValue(context.Background(), auth.UserIDKey, "42")

	rec, err := svc.AddPatient(ctx, validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := rec.Profile.PatientID
	if id == 0 {
		t.Fatal("expected patient id")
	}
	if rec.Profile.SSN != "***-**-6789" {
		t.Errorf("expected masked ssn, got %q", rec.Profile.SSN)
	}
	if stored := repo.state.profiles[id]; stored.SSN != "123456789" {
		t.Errorf("expected normalized ssn stored, got %q", stored.SSN)
	}
	if rec.Medications[0].Status != "active" || rec.Medications[0].PatientID != id {
		t.Errorf("unexpected medication %+v", rec.Medications[0])
	}
	if len(repo.state.billing) != 1 || repo.state.billing[0].CodeUnits != 1 || repo.state.billing[0].CPTCodeID != 2 {
		t.Errorf("unexpected cpt billing %+v", repo.state.billing)
	}
	if n := repo.state.notes[0]; n.CreatedBy == nil || *n.CreatedBy != 42 {
		t.Errorf("expected note created_by 42, got %v", n.CreatedBy)
	}
	if !reflect.DeepEqual(repo.state.providers[id], []int64{2}) {
		t.Errorf("expected provider mapping, got %v", repo.state.providers[id])
	}
}

func TestAddPatient_RollsBackOnFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	req := validRequest()
	req.CPTBilling = []CPTBilling{{Code: "00000"}}

	_, err := svc.AddPatient(context.Background(), req)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown code, got %v", err)
	}
	if len(repo.state.profiles) != 0 || len(repo.state.allergies) != 0 || len(repo.state.notes) != 0 {
		t.Errorf("expected nothing persisted, got %d profiles %d allergies %d notes",
			len(repo.state.profiles), len(repo.state.allergies), len(repo.state.notes))
	}
}

func TestAddPatient_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AddPatientRequest)
	}{
		{"missing name", func(r *AddPatientRequest) { r.FirstName = "" }},
		{"bad dob", func(r *AddPatientRequest) { r.DOB = "04/12/1961" }},
		{"bad email", func(r *AddPatientRequest) { r.Email = "not-an-email" }},
		{"bad ssn", func(r *AddPatientRequest) { r.SSN = "12-34" }},
		{"bad service type", func(r *AddPatientRequest) { r.ServiceType = []int{4} }},
		{"negative note duration", func(r *AddPatientRequest) { r.Notes[0].Duration = -5 }},
		{"allergy without allergen", func(r *AddPatientRequest) { r.Allergies[0].Allergen = " " }},
	}
	for _, tt := range tests {
		svc, repo, _ := newTestService()
		req := validRequest()
		tt.mutate(req)
		_, err := svc.AddPatient(context.Background(), req)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", tt.name, err)
		}
		if len(repo.state.profiles) != 0 {
			t.Errorf("%s: nothing should be stored", tt.name)
		}
	}
}

func TestGet_IsDeterministic(t *testing.T) {
	svc, _, _ := newTestService()
	rec, err := svc.AddPatient(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := rec.Profile.PatientID
	svc.AddNote(context.Background(), id, &Note{Note: "Follow up", Type: "rpm", Duration: 20})

	first, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, _ := svc.Get(context.Background(), id)
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated reads should be identical")
	}
	if len(first.Notes) != 2 || first.Notes[0].Note != "Follow up" {
		t.Errorf("expected newest note first, got %+v", first.Notes)
	}
	if first.Profile.Email != "jane@example.com" {
		t.Errorf("expected decrypted email, got %q", first.Profile.Email)
	}
	if first.Vitals == nil {
		t.Error("empty lists should not be nil")
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Get(context.Background(), 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParseSearch(t *testing.T) {
	svc, _, _ := newTestService()
	tests := []struct {
		in   string
		want SearchQuery
	}{
		{"123-45-6789", SearchQuery{SSNIndex: testCipher.BlindIndex("123456789")}},
		{"42", SearchQuery{PatientID: 42}},
		{" doe ", SearchQuery{Name: "doe"}},
	}
	for _, tt := range tests {
		got, err := svc.ParseSearch(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %+v, got %+v", tt.in, tt.want, got)
		}
	}
	for _, bad := range []string{"", "d"} {
		if _, err := svc.ParseSearch(bad); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%q: expected validation error, got %v", bad, err)
		}
	}
}

func TestSearch_BySSN(t *testing.T) {
	svc, _, _ := newTestService()
	rec, _ := svc.AddPatient(context.Background(), validRequest())
	other := validRequest()
	other.FirstName, other.SSN = "John", "987654321"
	svc.AddPatient(context.Background(), other)

	items, err := svc.Search(context.Background(), "123 45 6789")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].PatientID != rec.Profile.PatientID {
		t.Errorf("expected only Jane, got %+v", items)
	}
}

func TestList_FiltersByServiceType(t *testing.T) {
	svc, _, _ := newTestService()
	svc.AddPatient(context.Background(), validRequest())
	pcm := validRequest()
	pcm.FirstName, pcm.ServiceType = "Pat", []int{ServicePCM}
	svc.AddPatient(context.Background(), pcm)

	page, err := svc.List(context.Background(), ListFilter{ServiceType: ServicePCM}, pagination.Params{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Items[0].FirstName != "Pat" {
		t.Errorf("unexpected page %+v", page)
	}
	if _, err := svc.List(context.Background(), ListFilter{ServiceType: 9}, pagination.Params{Limit: 10}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, repo, _ := newTestService()
	rec, _ := svc.AddPatient(context.Background(), validRequest())
	id := rec.Profile.PatientID

	phone := "555-0100"
	providers := []int64{3, 4}
	p, err := svc.UpdateProfile(context.Background(), id, &UpdateProfileRequest{Phone: &phone, ProviderIDs: &providers})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Phone != phone || p.FirstName != "Jane" {
		t.Errorf("unexpected profile %+v", p)
	}
	if p.SSN != "***-**-6789" {
		t.Errorf("ssn should stay masked, got %q", p.SSN)
	}
	if !reflect.DeepEqual(repo.state.providers[id], providers) {
		t.Errorf("expected providers replaced, got %v", repo.state.providers[id])
	}

	bad := "nope"
	if _, err := svc.UpdateProfile(context.Background(), id, &UpdateProfileRequest{Email: &bad}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if repo.state.profiles[id].Email != "jane@example.com" {
		t.Error("failed update must not change the stored profile")
	}
}

func TestAddChild_UnknownPatient(t *testing.T) {
	svc, _, _ := newTestService()
	err := svc.AddMedication(context.Background(), 99, &Medication{Name: "Aspirin"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSyncVitals_UpsertsByExternalID(t *testing.T) {
	svc, repo, devices := newTestService()
	rec, _ := svc.AddPatient(context.Background(), validRequest())
	id := rec.Profile.PatientID

	t1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	devices.readings = []mio.Reading{
		{ExternalID: "r-1", Type: "blood_pressure", Value: "120/80", Unit: "mmHg", RecordedAt: t1},
		{ExternalID: "r-2", Type: "weight", Value: "80", Unit: "kg", RecordedAt: t1.Add(time.Hour)},
		{ExternalID: "", Type: "weight", Value: "81", RecordedAt: t1},
	}
	res, err := svc.SyncVitals(context.Background(), id)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Fetched != 3 || res.Upserted != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if devices.gotRef != "1" || !devices.gotSince.IsZero() {
		t.Errorf("first sync should fetch full history, got ref=%s since=%s", devices.gotRef, devices.gotSince)
	}

	devices.readings = []mio.Reading{
		{ExternalID: "r-2", Type: "weight", Value: "79", Unit: "kg", RecordedAt: t1.Add(time.Hour)},
	}
	if _, err := svc.SyncVitals(context.Background(), id); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !devices.gotSince.Equal(t1.Add(time.Hour)) {
		t.Errorf("expected incremental sync since last reading, got %s", devices.gotSince)
	}
	if len(repo.state.vitals) != 2 {
		t.Fatalf("expected 2 vitals after re-sync, got %d", len(repo.state.vitals))
	}
	for _, v := range repo.state.vitals {
		if *v.ExternalID == "r-2" && v.Value != "79" {
			t.Errorf("expected updated reading, got %s", v.Value)
		}
	}
}

func TestSyncVitals_NotConfigured(t *testing.T) {
	svc, _, devices := newTestService()
	rec, _ := svc.AddPatient(context.Background(), validRequest())
	devices.err = mio.ErrNotConfigured

	_, err := svc.SyncVitals(context.Background(), rec.Profile.PatientID)
	if !errors.Is(err, mio.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

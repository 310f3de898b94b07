package export

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"careflow/archive"
	"careflow/envelope"
	"careflow/notify"
	"careflow/referral"
	"careflow/storage"
)

// Defaults are the configured pipeline settings.
type Defaults struct {
	// ExporterID identifies this system in the bundled export manifest.
	ExporterID string
	// ObjectPrefix is the top-level key prefix for intake packages.
	ObjectPrefix string
	// SignedURLTTL bounds the retrieval link lifetime.
	SignedURLTTL time.Duration
	// RetentionDays bounds how long the object may exist before the sweep.
	RetentionDays int
}

// Options tune one export call. Zero values fall back to the defaults.
type Options struct {
	Attachments   []archive.Entry
	SignedURLTTL  time.Duration
	RetentionDays int
}

// bundleFormatVersion is written into every bundled referral.json.
const bundleFormatVersion = 1

// Service is the export orchestrator: bundle, key load, encrypt, checksum,
// upload, presign. Steps run strictly in order; every step honors the
// caller's deadline and tags its own failure.
type Service struct {
	packages   PackageStore
	referrals  referral.Store
	client     storage.Client
	keys       *envelope.KeyRing
	dispatcher notify.Dispatcher
	defaults   Defaults
	logger     *slog.Logger
	now        func() time.Time
	idGen      func() string
}

func NewService(packages PackageStore, referrals referral.Store, client storage.Client, keys *envelope.KeyRing, dispatcher notify.Dispatcher, defaults Defaults, logger *slog.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.ObjectPrefix == "" {
		defaults.ObjectPrefix = "intake"
	}
	if defaults.SignedURLTTL <= 0 {
		defaults.SignedURLTTL = 24 * time.Hour
	}
	if defaults.RetentionDays <= 0 {
		defaults.RetentionDays = 7
	}
	return &Service{
		packages:   packages,
		referrals:  referrals,
		client:     client,
		keys:       keys,
		dispatcher: dispatcher,
		defaults:   defaults,
		logger:     logger,
		now:        time.Now,
		idGen:      func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// exportManifest is the primary bundle payload: the referral snapshot plus
// export provenance.
type exportManifest struct {
	FormatVersion int               `json:"format_version"`
	ExporterID    string            `json:"exporter_id"`
	PackageID     string            `json:"package_id"`
	ExportedAt    time.Time         `json:"exported_at"`
	Referral      referralSnapshot  `json:"referral"`
	Transitions   []transitionEntry `json:"transitions,omitempty"`
}

type referralSnapshot struct {
	ID                string     `json:"id"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	Email             string     `json:"email,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	PresentingConcern string     `json:"presenting_concern,omitempty"`
	Urgency           string     `json:"urgency"`
	ReferrerName      string     `json:"referrer_name,omitempty"`
	ReferrerContact   string     `json:"referrer_contact,omitempty"`
	WorkflowStatus    string     `json:"workflow_status"`
	ClientState       string     `json:"client_state"`
	CreatedAt         time.Time  `json:"created_at"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
}

type transitionEntry struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// Export runs the six-step pipeline for one referral. It returns either a
// complete package or an *Error identifying the failed step; when the
// upload already happened, the error carries the package so the caller can
// resume at presign instead of re-uploading.
func (s *Service) Export(ctx context.Context, r referral.Referral, opts Options) (IntakePackage, error) {
	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = s.defaults.SignedURLTTL
	}
	retentionDays := opts.RetentionDays
	if retentionDays <= 0 {
		retentionDays = s.defaults.RetentionDays
	}

	startedAt := s.now().UTC()
	packageID := NewPackageID(startedAt, s.idGen())

	// Step 1: bundle.
	if err := ctx.Err(); err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepBundle, err, nil)
	}
	blob, originalSize, err := s.bundle(r, packageID, startedAt, opts.Attachments)
	if err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepBundle, err, nil)
	}

	// Step 2: key load.
	if err := ctx.Err(); err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepKeyLoad, err, nil)
	}
	key, err := s.keys.Current()
	if err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepKeyLoad, err, nil)
	}

	// Step 3: encrypt.
	if err := ctx.Err(); err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepEncrypt, err, nil)
	}
	sealed, err := envelope.Encrypt(blob, key)
	if err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepEncrypt, err, nil)
	}

	// Step 4: checksum over the ciphertext, never the plaintext.
	checksum := envelope.Checksum(sealed.Ciphertext)

	pkg := IntakePackage{
		ID:                 packageID,
		ReferralID:         r.ID,
		KeyID:              key.ID,
		IV:                 sealed.IV,
		AuthTag:            sealed.AuthTag,
		Checksum:           checksum,
		StorageKey:         storage.ObjectKey(s.defaults.ObjectPrefix, startedAt, r.ID, packageID),
		Status:             PackagePending,
		RetentionExpiresAt: startedAt.AddDate(0, 0, retentionDays),
		OriginalSize:       originalSize,
		CompressedSize:     int64(len(blob)),
		EncryptedSize:      int64(len(sealed.Ciphertext)),
		CreatedAt:          startedAt,
	}
	if err := s.packages.Save(ctx, pkg); err != nil {
		return IntakePackage{}, s.fail(ctx, r.ID, packageID, StepUpload, fmt.Errorf("persist package metadata: %w", err), nil)
	}

	// Step 5: upload. No silent retry; the caller owns retry policy.
	if err := ctx.Err(); err != nil {
		return IntakePackage{}, s.failPackage(ctx, &pkg, StepUpload, err)
	}
	if err := s.client.Put(ctx, storage.PutInput{
		Key:         pkg.StorageKey,
		Data:        sealed.Ciphertext,
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"referral-id":     r.ID,
			"package-id":      packageID,
			"key-id":          key.ID,
			"iv":              base64.StdEncoding.EncodeToString(sealed.IV),
			"auth-tag":        base64.StdEncoding.EncodeToString(sealed.AuthTag),
			"checksum-sha256": checksum,
		},
	}); err != nil {
		return IntakePackage{}, s.failPackage(ctx, &pkg, StepUpload, err)
	}

	pkg.Status = PackageUploaded
	if err := s.packages.Save(ctx, pkg); err != nil {
		s.logger.Warn("package status update failed", "package_id", pkg.ID, "error", err)
	}

	// Step 6: presign. The object is already uploaded, so the failure
	// carries the package and RenewDownloadURL resumes here.
	if err := ctx.Err(); err != nil {
		return IntakePackage{}, s.failUploaded(ctx, pkg, err)
	}
	signedURL, expiresAt, err := s.client.SignedDownloadURL(ctx, pkg.StorageKey, ttl)
	if err != nil {
		return IntakePackage{}, s.failUploaded(ctx, pkg, err)
	}

	pkg.SignedURL = signedURL
	pkg.SignedURLExpiresAt = expiresAt
	if err := s.packages.Save(ctx, pkg); err != nil {
		s.logger.Warn("package url update failed", "package_id", pkg.ID, "error", err)
	}

	s.stampExported(ctx, r.ID)
	s.appendTimeline(ctx, r.ID, referral.TimelineEvent{
		At:     s.now().UTC(),
		Phase:  referral.PhaseExport,
		Label:  "Intake package exported",
		Detail: pkg.ID,
	})
	notify.Dispatch(ctx, s.dispatcher, s.logger, notify.Event{
		Type:       notify.EventExportCompleted,
		ReferralID: r.ID,
		Payload: map[string]any{
			"package_id":  pkg.ID,
			"storage_key": pkg.StorageKey,
			"expires_at":  pkg.SignedURLExpiresAt,
		},
	})

	s.logger.Info("intake package exported",
		"referral_id", r.ID,
		"package_id", pkg.ID,
		"storage_key", pkg.StorageKey,
		"original_size", pkg.OriginalSize,
		"compressed_size", pkg.CompressedSize,
		"encrypted_size", pkg.EncryptedSize,
	)

	return pkg, nil
}

func (s *Service) bundle(r referral.Referral, packageID string, at time.Time, attachments []archive.Entry) ([]byte, int64, error) {
	manifest := exportManifest{
		FormatVersion: bundleFormatVersion,
		ExporterID:    s.defaults.ExporterID,
		PackageID:     packageID,
		ExportedAt:    at,
		Referral: referralSnapshot{
			ID:                r.ID,
			FirstName:         r.FirstName,
			LastName:          r.LastName,
			Email:             r.Email,
			Phone:             r.Phone,
			PresentingConcern: r.PresentingConcern,
			Urgency:           string(r.Urgency),
			ReferrerName:      r.ReferrerName,
			ReferrerContact:   r.ReferrerContact,
			WorkflowStatus:    string(r.WorkflowStatus),
			ClientState:       string(r.ClientState()),
			CreatedAt:         r.CreatedAt,
			ReviewedAt:        r.ReviewedAt,
			AssignedAt:        r.AssignedAt,
		},
	}
	for _, change := range r.Transitions {
		manifest.Transitions = append(manifest.Transitions, transitionEntry{
			From:   string(change.From),
			To:     string(change.To),
			Reason: change.Reason,
			Actor:  change.Actor,
			At:     change.At,
		})
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, 0, fmt.Errorf("serialize referral: %w", err)
	}

	entries := make([]archive.Entry, 0, len(attachments)+1)
	entries = append(entries, archive.Entry{Name: "referral.json", Data: payload})
	entries = append(entries, attachments...)

	originalSize := int64(len(payload))
	for _, a := range attachments {
		originalSize += int64(len(a.Data))
	}

	blob, err := archive.Bundle(entries)
	if err != nil {
		return nil, 0, err
	}
	return blob, originalSize, nil
}

// RenewDownloadURL re-presigns an already-uploaded package without
// re-running the pipeline. This is the resume path after a presign failure
// and the refresh path once a link has lapsed.
func (s *Service) RenewDownloadURL(ctx context.Context, packageID string) (IntakePackage, error) {
	pkg, err := s.packages.Get(ctx, packageID)
	if err != nil {
		return IntakePackage{}, err
	}
	if pkg.StorageKey == "" || (pkg.Status != PackageUploaded && pkg.Status != PackageDownloaded) {
		return IntakePackage{}, fmt.Errorf("export: package %s not retrievable (status %s)", packageID, pkg.Status)
	}
	if pkg.IsExpired(s.now().UTC()) {
		return IntakePackage{}, fmt.Errorf("export: package %s past retention", packageID)
	}

	signedURL, expiresAt, err := s.client.SignedDownloadURL(ctx, pkg.StorageKey, s.defaults.SignedURLTTL)
	if err != nil {
		return IntakePackage{}, stepError(StepPresign, err, &pkg)
	}

	pkg.SignedURL = signedURL
	pkg.SignedURLExpiresAt = expiresAt
	if err := s.packages.Save(ctx, pkg); err != nil {
		return IntakePackage{}, fmt.Errorf("export: persist renewed url: %w", err)
	}
	return pkg, nil
}

// MarkDownloaded records that the clinical system pulled the package.
func (s *Service) MarkDownloaded(ctx context.Context, packageID string) error {
	return s.packages.UpdateStatus(ctx, packageID, PackageDownloaded)
}

// Packages lists every package ever produced for a referral.
func (s *Service) Packages(ctx context.Context, referralID string) ([]IntakePackage, error) {
	return s.packages.ListByReferral(ctx, referralID)
}

// BatchReport summarizes one batch export run.
type BatchReport struct {
	SuccessCount int
	FailureCount int
	Failures     map[string]error
}

// BatchExport processes referrals strictly in order. It is not atomic: a
// failure in referral K never rolls back earlier successes. When the
// context is cancelled, the remaining referrals are recorded as failed
// with the context error.
func (s *Service) BatchExport(ctx context.Context, referrals []referral.Referral, opts Options) BatchReport {
	report := BatchReport{Failures: make(map[string]error)}

	for i, r := range referrals {
		if err := ctx.Err(); err != nil {
			for _, rest := range referrals[i:] {
				report.FailureCount++
				report.Failures[rest.ID] = err
			}
			break
		}
		if _, err := s.Export(ctx, r, opts); err != nil {
			report.FailureCount++
			report.Failures[r.ID] = err
			continue
		}
		report.SuccessCount++
	}

	return report
}

// fail records a pipeline failure that produced no stored artifact.
func (s *Service) fail(ctx context.Context, referralID, packageID, step string, err error, pkg *IntakePackage) error {
	s.recordFailure(ctx, referralID, packageID, step)
	return stepError(step, err, pkg)
}

// failPackage marks the pending package failed before surfacing the error.
func (s *Service) failPackage(ctx context.Context, pkg *IntakePackage, step string, err error) error {
	if updateErr := s.packages.UpdateStatus(ctx, pkg.ID, PackageFailed); updateErr != nil {
		s.logger.Warn("package failure status update failed", "package_id", pkg.ID, "error", updateErr)
	}
	pkg.Status = PackageFailed
	s.recordFailure(ctx, pkg.ReferralID, pkg.ID, step)
	return stepError(step, err, pkg)
}

// failUploaded surfaces a presign failure while keeping the uploaded
// package retrievable for resumption.
func (s *Service) failUploaded(ctx context.Context, pkg IntakePackage, err error) error {
	s.recordFailure(ctx, pkg.ReferralID, pkg.ID, StepPresign)
	return stepError(StepPresign, err, &pkg)
}

func (s *Service) recordFailure(ctx context.Context, referralID, packageID, step string) {
	s.logger.Error("intake export failed",
		"referral_id", referralID,
		"package_id", packageID,
		"step", step,
	)
	s.appendTimeline(ctx, referralID, referral.TimelineEvent{
		At:     s.now().UTC(),
		Phase:  referral.PhaseExport,
		Label:  "Intake export failed",
		Detail: step,
	})
	notify.Dispatch(ctx, s.dispatcher, s.logger, notify.Event{
		Type:       notify.EventExportFailed,
		ReferralID: referralID,
		Payload: map[string]any{
			"package_id": packageID,
			"step":       step,
		},
	})
}

func (s *Service) appendTimeline(ctx context.Context, referralID string, ev referral.TimelineEvent) {
	if s.referrals == nil {
		return
	}
	if err := s.referrals.AppendTimelineEvent(ctx, referralID, ev); err != nil {
		s.logger.Warn("timeline append failed", "referral_id", referralID, "error", err)
	}
}

// stampExported sets the referral's ExportedAt once, on first successful
// export. Failures here never fail the export itself.
func (s *Service) stampExported(ctx context.Context, referralID string) {
	if s.referrals == nil {
		return
	}
	r, err := s.referrals.Load(ctx, referralID)
	if err != nil {
		s.logger.Warn("exported-at stamp load failed", "referral_id", referralID, "error", err)
		return
	}
	if r.ExportedAt != nil {
		return
	}
	at := s.now().UTC()
	r.ExportedAt = &at
	if _, err := s.referrals.Save(ctx, r); err != nil {
		s.logger.Warn("exported-at stamp save failed", "referral_id", referralID, "error", err)
	}
}

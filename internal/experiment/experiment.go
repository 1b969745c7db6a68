// Package experiment drives one cloud experiment submission through
// the full lifecycle: configure, fetch capabilities, package, encrypt,
// upload, poll, download, decrypt, unpack, and parse the resulting
// report. It is the orchestration layer (C5) that ties together
// internal/cryptobox, internal/packager, internal/transport,
// internal/protocol, internal/report and internal/elfsnapshot.
package experiment

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cloudexp/cloudexp/internal/cerrors"
	"github.com/cloudexp/cloudexp/internal/clog"
	"github.com/cloudexp/cloudexp/internal/cloudconfig"
	"github.com/cloudexp/cloudexp/internal/cryptobox"
	"github.com/cloudexp/cloudexp/internal/elfsnapshot"
	"github.com/cloudexp/cloudexp/internal/packager"
	"github.com/cloudexp/cloudexp/internal/protocol"
	"github.com/cloudexp/cloudexp/internal/report"
	"github.com/cloudexp/cloudexp/internal/transport"
)

const otpSize = 32

type workloadEntry struct {
	basename string
	path     string
}

// Experiment is a mutable, single-use driver for one experiment
// submission. Create one with New, mutate it with AddWorkload/SetCore/
// SetName, then call Run exactly once. After Run returns, the instance
// is read-only; a retry needs a fresh Experiment.
type Experiment struct {
	rootDir string
	expDir  string
	name    string

	workloads []workloadEntry
	core      string

	uuid string
	otp  []byte

	state      State
	failReason error

	packageURL string
	statusURL  string
	resultURL  string

	summary     *report.Summary
	sourceFiles []string

	cfg  *cloudconfig.ResolvedConfig
	caps *cloudconfig.Capabilities

	logger clog.Logger
	http   *transport.Client
	proto  *protocol.Client

	tarPath       string
	resultTarPath string
	pubKeyPEM     []byte
}

// New builds an Experiment rooted at rootDir (an expDir subdirectory
// is created under it at Run time) against cfg. A nil logger falls
// back to clog's package-level default.
func New(rootDir string, cfg *cloudconfig.ResolvedConfig, logger clog.Logger) *Experiment {
	if logger == nil {
		logger = clog.GetLogger()
	}
	httpClient := transport.NewClient(transport.DefaultConfig(), logger)
	return &Experiment{
		rootDir: rootDir,
		cfg:     cfg,
		logger:  logger,
		http:    httpClient,
		proto:   protocol.NewClient(httpClient),
		state:   StateNew,
	}
}

// AddWorkload validates that path exists, is readable, and begins with
// the ELF magic number, then registers it under its basename. It
// fails fast on anything else, including a basename collision with an
// already-added workload. Only valid before Run is called.
func (e *Experiment) AddWorkload(path string) error {
	const phase = "configure"

	if e.state != StateNew {
		return cerrors.NewInvalidInput(phase, "cannot add a workload after run() has started")
	}

	f, err := os.Open(path)
	if err != nil {
		return cerrors.NewInvalidInput(phase, fmt.Sprintf("workload %q: %v", path, err))
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return cerrors.NewInvalidInput(phase, fmt.Sprintf("workload %q: not a readable ELF file", path))
	}
	if magic[0] != 0x7F || magic[1] != 'E' || magic[2] != 'L' || magic[3] != 'F' {
		return cerrors.NewInvalidInput(phase, fmt.Sprintf("workload %q: missing ELF magic", path))
	}

	basename := filepath.Base(path)
	for _, w := range e.workloads {
		if w.basename == basename {
			return cerrors.NewInvalidInput(phase, fmt.Sprintf("duplicate workload basename %q", basename))
		}
	}

	e.workloads = append(e.workloads, workloadEntry{basename: basename, path: path})
	return nil
}

// SetCore records the target core name. Validation against the
// service's advertised capabilities is deferred to Run.
func (e *Experiment) SetCore(name string) {
	e.core = name
}

// SetName overrides the experiment's default timestamp-derived name.
func (e *Experiment) SetName(name string) {
	e.name = name
}

// State reports the experiment's current state-machine position.
func (e *Experiment) State() State {
	return e.state
}

// GetSummary returns the parsed result report, which is only
// populated after a successful Run or Load.
func (e *Experiment) GetSummary() (*report.Summary, bool) {
	if e.summary == nil {
		return nil, false
	}
	return e.summary, true
}

// SourceFiles returns the best-effort DWARF source-file snapshot
// collected during a successful Run. Empty (never nil-checked by
// callers) if the snapshot found nothing or Run hasn't succeeded.
func (e *Experiment) SourceFiles() []string {
	return e.sourceFiles
}

// ExpDir returns the directory this experiment's artifacts live
// under. Empty until Run has created it.
func (e *Experiment) ExpDir() string {
	return e.expDir
}

// Run drives the experiment through the full state machine to
// Succeeded or Failed(reason), returning the parsed summary on
// success. ctx is checked before every network call and between poll
// iterations; an observed cancellation transitions to
// Failed(Cancelled) and removes the experiment's temporary files.
func (e *Experiment) Run(ctx context.Context) (*report.Summary, error) {
	if e.state != StateNew {
		return nil, cerrors.NewInvalidInput("run", "Run called more than once on this Experiment")
	}
	if len(e.workloads) == 0 {
		return nil, cerrors.NewInvalidInput("run", "at least one workload is required")
	}

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"configure", e.phaseConfigure},
		{"fetch_capabilities", e.phaseFetchCapabilities},
		{"package", e.phasePackage},
		{"issue_urls", e.phaseIssueURLs},
		{"encrypt", e.phaseEncrypt},
		{"upload", e.phaseUpload},
		{"poll", e.phasePoll},
		{"download", e.phaseDownload},
		{"decrypt", e.phaseDecrypt},
		{"unpack", e.phaseUnpack},
	}

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(cerrors.NewCancelled(p.name))
		}
		clog.ForPhase(e.logger, p.name).Debug("entering phase")
		if err := p.fn(ctx); err != nil {
			return nil, e.fail(err)
		}
	}

	e.state = StateSucceeded
	e.logger.Info("experiment succeeded", clog.String("uuid", e.uuid), clog.String("expDir", e.expDir))
	return e.summary, nil
}

// fail transitions to Failed, best-effort removes the experiment's
// transient files, and returns err unchanged so callers can do
// `return nil, e.fail(err)`.
func (e *Experiment) fail(err error) error {
	e.state = StateFailed
	e.failReason = err

	fields := append([]clog.Field{clog.String("uuid", e.uuid)}, clog.ErrFields(err)...)
	e.logger.Error("experiment failed", fields...)

	cryptobox.SecureZero(e.otp)
	if e.tarPath != "" {
		os.Remove(e.tarPath)
	}
	if e.resultTarPath != "" {
		os.Remove(e.resultTarPath)
	}
	return err
}

// phaseConfigure validates the config, resolves a gateway if the
// caller hasn't already cached one, and creates expDir.
func (e *Experiment) phaseConfigure(ctx context.Context) error {
	const phase = "configure"

	if err := e.cfg.Validate(); err != nil {
		return err
	}
	if e.core == "" {
		return cerrors.NewInvalidInput(phase, "core is required")
	}

	if e.cfg.Gateway == nil {
		gw, err := e.proto.DiscoverGateway(ctx, e.cfg)
		if err != nil {
			return err
		}
		e.cfg.Gateway = gw
	}

	if e.name == "" {
		e.name = time.Now().UTC().Format("20060102_150405")
	}
	e.expDir = filepath.Join(e.rootDir, fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405"), e.name))
	if err := os.MkdirAll(e.expDir, 0o755); err != nil {
		return cerrors.NewInvalidInput(phase, fmt.Sprintf("create expDir: %v", err))
	}

	e.state = StateConfigured
	return nil
}

// phaseFetchCapabilities checks worker health, fetches the
// toolsVersion catalog, and validates core against it.
func (e *Experiment) phaseFetchCapabilities(ctx context.Context) error {
	const phase = "fetch_capabilities"

	if err := e.proto.CheckWorkers(ctx, e.cfg, e.cfg.Gateway); err != nil {
		return err
	}

	caps, err := e.proto.FetchCapabilities(ctx, e.cfg, e.cfg.Gateway, e.cfg.EffectiveToolsVersion())
	if err != nil {
		return err
	}
	if !caps.HasCore(e.core) {
		return cerrors.NewInvalidInput(phase, fmt.Sprintf("core %q not offered by this gateway", e.core))
	}
	e.caps = caps

	e.state = StateCapabilitiesFetched
	return nil
}

// phasePackage generates uuid/otp, writes config.json, and builds the
// plaintext tar.gz under expDir.
func (e *Experiment) phasePackage(ctx context.Context) error {
	const phase = "package"

	e.uuid = fmt.Sprintf("%s_%s", time.Now().UTC().Format("060102_150405"), uuid.NewString())

	otp := make([]byte, otpSize)
	if _, err := rand.Read(otp); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubKey, err)
	}
	e.otp = otp

	core, _ := e.caps.Core(e.core)

	cfg := experimentConfig{
		UUID:          e.uuid,
		Name:          e.name,
		Date:          time.Now().UTC().Format(time.RFC3339),
		Core:          e.core,
		ToolsVersion:  e.cfg.EffectiveToolsVersion(),
		PluginVersion: e.cfg.ClientVersion,
		ClientType:    clientType,
		OTP:           encodeOTPString(otp),
		Arch:          archSection{NumThreads: core.NumThreads},
		Timeout:       defaultTimeoutSeconds,
	}
	for _, w := range e.workloads {
		cfg.Workload = append(cfg.Workload, workloadSection{
			ELF: w.basename,
			Reports: []reportRequest{
				{UUID: uuid.NewString(), Type: "summary", Name: "summary", OutputFormat: "json"},
			},
		})
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return cerrors.NewPackagingError(phase, "marshal config.json", err)
	}
	if err := os.WriteFile(filepath.Join(e.expDir, "config.json"), configJSON, 0o644); err != nil {
		return cerrors.NewPackagingError(phase, "write config.json", err)
	}

	var pkgWorkloads []packager.Workload
	for _, w := range e.workloads {
		pkgWorkloads = append(pkgWorkloads, packager.Workload{Basename: w.basename, Path: w.path})
	}

	e.tarPath = filepath.Join(e.expDir, e.name+".tar.gz")
	if err := packager.Pack(e.tarPath, configJSON, pkgWorkloads); err != nil {
		return err
	}

	e.state = StatePackaged
	return nil
}

// phaseIssueURLs requests the upload/status endpoints and the
// server's RSA public key for this submission.
func (e *Experiment) phaseIssueURLs(ctx context.Context) error {
	urls, err := e.proto.GetSignedURLs(ctx, e.cfg, e.cfg.Gateway, e.uuid, e.name, e.core)
	if err != nil {
		return err
	}
	e.packageURL = urls.UploadURL
	e.statusURL = urls.StatusURL
	e.pubKeyPEM = []byte(urls.PublicKeyPEM)

	e.state = StateURLsIssued
	return nil
}

// phaseEncrypt overwrites the plaintext tar with the hybrid-encrypted
// ciphertext described in spec §4.1.1.
func (e *Experiment) phaseEncrypt(ctx context.Context) error {
	if err := cryptobox.EncryptPackage(e.tarPath, e.pubKeyPEM); err != nil {
		return err
	}
	e.state = StateEncrypted
	return nil
}

// phaseUpload streams the ciphertext tar to the signed upload URL.
func (e *Experiment) phaseUpload(ctx context.Context) error {
	if err := e.http.Upload(ctx, e.packageURL, e.tarPath); err != nil {
		return err
	}
	os.Remove(e.tarPath)
	e.tarPath = ""

	e.state = StateUploaded
	return nil
}

// phasePoll waits for the server to report completion, with an
// overall deadline of the config's timeout plus a 60s slack, per
// spec §5.
func (e *Experiment) phasePoll(ctx context.Context) error {
	e.state = StatePolling

	deadline := time.Duration(defaultTimeoutSeconds+60) * time.Second
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	statusReport, err := e.http.PollStatus(pollCtx, e.statusURL, map[string]string{
		"apikey":     e.cfg.APIKey,
		"extversion": e.cfg.ClientVersion,
	})
	if err != nil {
		return err
	}
	e.resultURL = statusReport.ResultURL

	e.state = StateDownloading
	return nil
}

// phaseDownload streams the password-encrypted result blob to expDir.
func (e *Experiment) phaseDownload(ctx context.Context) error {
	e.resultTarPath = filepath.Join(e.expDir, e.name+"_result.tar.gz")
	if err := e.http.Download(ctx, e.resultURL, e.resultTarPath); err != nil {
		return err
	}
	e.state = StateDecrypting
	return nil
}

// phaseDecrypt recovers the plaintext tar from the downloaded blob
// using the otp generated at packaging time.
func (e *Experiment) phaseDecrypt(ctx context.Context) error {
	const allowLegacy = true
	if err := cryptobox.DecryptResult(e.resultTarPath, e.otp, allowLegacy); err != nil {
		return err
	}
	cryptobox.SecureZero(e.otp)
	e.otp = nil

	e.state = StateUnpacking
	return nil
}

// phaseUnpack extracts the decrypted result archive into expDir and
// loads summary.json, collecting the best-effort DWARF source
// snapshot along the way. Snapshot failures are logged, never fatal.
func (e *Experiment) phaseUnpack(ctx context.Context) error {
	if err := packager.Unpack(ctx, e.resultTarPath, e.expDir); err != nil {
		return err
	}
	os.Remove(e.resultTarPath)
	e.resultTarPath = ""

	summaryDir := filepath.Join(e.expDir, "summary")
	summary, err := report.LoadCanonical(summaryDir)
	if err != nil {
		return err
	}
	e.summary = summary

	var paths []string
	for _, w := range e.workloads {
		paths = append(paths, w.path)
	}
	e.sourceFiles = elfsnapshot.Collect(paths, e.logger)

	return nil
}

// Load rehydrates a previously-succeeded Experiment from disk without
// any network traffic: it reads expDir/summary/summary.json and
// returns an Experiment in the Succeeded state with GetSummary
// populated. Transient artifacts (tar.gz files, otp) are not
// reconstructed; only the fields needed to report a prior result are.
func Load(expDir string) (*Experiment, error) {
	summary, err := report.LoadCanonical(filepath.Join(expDir, "summary"))
	if err != nil {
		return nil, err
	}

	return &Experiment{
		expDir:  expDir,
		rootDir: filepath.Dir(expDir),
		name:    filepath.Base(expDir),
		state:   StateSucceeded,
		summary: summary,
		logger:  clog.GetLogger(),
	}, nil
}

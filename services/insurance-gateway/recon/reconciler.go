// Package recon settles escrow state that the request path could not: terminal
// submissions with an unknown outcome, interrupted claim resolutions and
// agreements whose escrow never materialised.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"shipcover/crypto"
	"shipcover/insurance/claims"
	"shipcover/insurance/escrow"
	"shipcover/insurance/fault"
	"shipcover/insurance/workflow"
	"shipcover/ledger"
	"shipcover/observability"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyUnresolvedTerminal = "unresolved_terminal"
	AnomalyPartialEscrow      = "partial_escrow"
	AnomalyEscrowMissing      = "escrow_missing"
	AnomalyOutcomeMismatch    = "outcome_mismatch"
	AnomalyUnresolvedPremium  = "unresolved_premium"
)

// LedgerReader is the read-only ledger surface used during reconciliation.
type LedgerReader interface {
	Status(ctx context.Context, hash string, lastLedger uint32) (ledger.TxStatus, error)
	Escrow(ctx context.Context, owner crypto.Address, sequence uint32) (ledger.EscrowEntry, error)
}

// Shipments lists the shipments that may need attention.
type Shipments interface {
	ListByEscrowState(ctx context.Context, states ...workflow.EscrowState) ([]workflow.Shipment, error)
	ListPendingOutcome(ctx context.Context) ([]workflow.Shipment, error)
}

// Outcomes records settled claim resolutions and agreement submissions.
type Outcomes interface {
	ApplyOutcome(ctx context.Context, shipmentID string, outcome claims.Outcome, txHash string) error
	ClearPendingOutcome(ctx context.Context, shipmentID string) error
	SettlePremium(ctx context.Context, shipmentID string, collected bool) error
	ConfirmEscrow(ctx context.Context, shipmentID string) error
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Custodian crypto.Address
	Ledger    LedgerReader
	Shipments Shipments
	Terminals escrow.TerminalStore
	Outcomes  Outcomes
	OutputDir string
	DryRun    bool
	// StaleAfter protects in-flight requests: records touched more recently are skipped.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// RunOptions overrides configuration for one run.
type RunOptions struct {
	DryRun bool
}

// Anomaly is a condition that needs an operator.
type Anomaly struct {
	Type       string
	ShipmentID string
	Sequence   uint32
	TxHash     string
	Detail     string
	DetectedAt time.Time
}

// Result summarises one run.
type Result struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	DryRun      bool
	Checked     int
	Confirmed   int
	Released    int
	Applied     int
	Cleared     int
	Collected   int
	Voided      int
	Recovered   int
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// Reconciler compares local escrow bookkeeping with the ledger.
type Reconciler struct {
	custodian  crypto.Address
	ledger     LedgerReader
	shipments  Shipments
	terminals  escrow.TerminalStore
	outcomes   Outcomes
	outputDir  string
	dryRun     bool
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewReconciler validates cfg.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger reader is required")
	}
	if cfg.Shipments == nil || cfg.Terminals == nil || cfg.Outcomes == nil {
		return nil, errors.New("recon: shipment and terminal stores are required")
	}
	if cfg.Custodian.IsZero() {
		return nil, errors.New("recon: custodian address is required")
	}
	if !cfg.DryRun && cfg.OutputDir == "" {
		return nil, errors.New("recon: output directory is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = 10 * time.Minute
	}
	return &Reconciler{
		custodian:  cfg.Custodian,
		ledger:     cfg.Ledger,
		shipments:  cfg.Shipments,
		terminals:  cfg.Terminals,
		outcomes:   cfg.Outcomes,
		outputDir:  cfg.OutputDir,
		dryRun:     cfg.DryRun,
		staleAfter: stale,
		now:        now,
		logger:     logger.With(slog.String("component", "recon")),
	}, nil
}

// Run executes one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), StartedAt: r.now(), DryRun: r.dryRun || opts.DryRun}
	log := r.logger.With(slog.String("run_id", res.RunID), slog.Bool("dry_run", res.DryRun))
	cutoff := res.StartedAt.Add(-r.staleAfter)

	steps := []func(context.Context, *Result, time.Time) error{
		r.settleTerminals,
		r.settlePending,
		r.settlePremiums,
		r.flagPartial,
		r.verifyEscrows,
	}
	for _, step := range steps {
		if err := step(ctx, res, cutoff); err != nil {
			observability.Recon().RecordRun("failed", r.now())
			log.Error("reconciliation failed", slog.Any("error", err))
			return res, err
		}
	}

	if !res.DryRun && len(res.Anomalies) > 0 {
		csvPath, parquetPath, err := r.writeReports(res)
		if err != nil {
			observability.Recon().RecordRun("failed", r.now())
			return res, err
		}
		res.CSVPath, res.ParquetPath = csvPath, parquetPath
	}
	res.FinishedAt = r.now()
	observability.Recon().RecordRun("success", res.FinishedAt)
	log.Info("reconciliation finished",
		slog.Int("checked", res.Checked),
		slog.Int("confirmed", res.Confirmed),
		slog.Int("released", res.Released),
		slog.Int("applied", res.Applied),
		slog.Int("cleared", res.Cleared),
		slog.Int("collected", res.Collected),
		slog.Int("voided", res.Voided),
		slog.Int("recovered", res.Recovered),
		slog.Int("anomalies", len(res.Anomalies)))
	return res, nil
}

// settleTerminals resolves terminal actions left in submitting or unknown.
func (r *Reconciler) settleTerminals(ctx context.Context, res *Result, cutoff time.Time) error {
	pending, err := r.terminals.Unresolved(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("recon: list terminal actions: %w", err)
	}
	for _, rec := range pending {
		res.Checked++
		if rec.TxHash == "" {
			// Nothing was signed, so nothing can have been sent.
			if err := r.release(ctx, res, rec); err != nil {
				return err
			}
			continue
		}
		st, err := r.ledger.Status(ctx, rec.TxHash, rec.LastLedgerSequence)
		if err != nil {
			r.raise(res, Anomaly{Type: AnomalyUnresolvedTerminal, Sequence: rec.Sequence, TxHash: rec.TxHash, Detail: "status lookup failed: " + err.Error()})
			continue
		}
		switch {
		case st.Validated && st.Result == ledger.ResultSuccess:
			rec.State = escrow.StateConfirmed
			rec.UpdatedAt = r.now()
			rec.Receipt = ledger.Receipt{
				Hash:     rec.TxHash,
				Type:     terminalTxType(rec.Action),
				Account:  rec.Owner,
				Sequence: rec.Sequence,
				Result:   st.Result,
			}
			if !res.DryRun {
				if err := r.terminals.Update(ctx, rec); err != nil {
					return fmt.Errorf("recon: confirm terminal action %d: %w", rec.Sequence, err)
				}
			}
			res.Confirmed++
			r.logger.Info("terminal action confirmed", slog.Uint64("sequence", uint64(rec.Sequence)), slog.String("tx_hash", rec.TxHash))
		case st.Validated, !st.Found && st.Expired:
			if err := r.release(ctx, res, rec); err != nil {
				return err
			}
		default:
			r.raise(res, Anomaly{Type: AnomalyUnresolvedTerminal, Sequence: rec.Sequence, TxHash: rec.TxHash, Detail: "transaction outcome still unknown"})
		}
	}
	return nil
}

func (r *Reconciler) release(ctx context.Context, res *Result, rec escrow.TerminalAction) error {
	if !res.DryRun {
		if err := r.terminals.Release(ctx, rec.Owner, rec.Sequence); err != nil {
			return fmt.Errorf("recon: release terminal action %d: %w", rec.Sequence, err)
		}
	}
	res.Released++
	r.logger.Info("terminal action released", slog.Uint64("sequence", uint64(rec.Sequence)), slog.String("tx_hash", rec.TxHash))
	return nil
}

// settlePending completes claim resolutions interrupted after the ledger call.
func (r *Reconciler) settlePending(ctx context.Context, res *Result, cutoff time.Time) error {
	shipments, err := r.shipments.ListPendingOutcome(ctx)
	if err != nil {
		return fmt.Errorf("recon: list pending shipments: %w", err)
	}
	owner := r.custodian.String()
	for _, s := range shipments {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		res.Checked++
		rec, err := r.terminals.Get(ctx, owner, s.EscrowSequence)
		switch {
		case errors.Is(err, escrow.ErrNoTerminalAction):
			if !res.DryRun {
				if err := r.outcomes.ClearPendingOutcome(ctx, s.ID); err != nil {
					return fmt.Errorf("recon: clear pending outcome %s: %w", s.ID, err)
				}
			}
			res.Cleared++
			continue
		case err != nil:
			return fmt.Errorf("recon: load terminal action %d: %w", s.EscrowSequence, err)
		}
		if rec.State != escrow.StateConfirmed {
			continue
		}
		decision, err := claims.Decide(s.PendingOutcome)
		if err != nil || string(decision.Action) != string(rec.Action) {
			r.raise(res, Anomaly{
				Type: AnomalyOutcomeMismatch, ShipmentID: s.ID, Sequence: s.EscrowSequence, TxHash: rec.TxHash,
				Detail: fmt.Sprintf("pending outcome %s but escrow %s confirmed", s.PendingOutcome, rec.Action),
			})
			continue
		}
		if !res.DryRun {
			if err := r.outcomes.ApplyOutcome(ctx, s.ID, s.PendingOutcome, rec.TxHash); err != nil {
				return fmt.Errorf("recon: apply outcome %s: %w", s.ID, err)
			}
		}
		res.Applied++
		r.logger.Info("claim outcome applied", slog.String("shipment_id", s.ID), slog.String("outcome", string(s.PendingOutcome)))
	}
	return nil
}

// settlePremiums resolves premiums whose outcome was unknown when the
// agreement was recorded.
func (r *Reconciler) settlePremiums(ctx context.Context, res *Result, cutoff time.Time) error {
	shipments, err := r.shipments.ListByEscrowState(ctx, workflow.EscrowPremiumUnknown)
	if err != nil {
		return fmt.Errorf("recon: list premium-unknown shipments: %w", err)
	}
	for _, s := range shipments {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		res.Checked++
		st, err := r.ledger.Status(ctx, s.PremiumTxHash, s.PremiumLastLedger)
		if err != nil {
			r.raise(res, Anomaly{Type: AnomalyUnresolvedPremium, ShipmentID: s.ID, TxHash: s.PremiumTxHash, Detail: "status lookup failed: " + err.Error()})
			continue
		}
		var collected bool
		switch {
		case st.Validated && st.Result == ledger.ResultSuccess:
			collected = true
		case st.Validated, !st.Found && st.Expired:
		default:
			r.raise(res, Anomaly{Type: AnomalyUnresolvedPremium, ShipmentID: s.ID, TxHash: s.PremiumTxHash, Detail: "premium outcome still unknown"})
			continue
		}
		if !res.DryRun {
			if err := r.outcomes.SettlePremium(ctx, s.ID, collected); err != nil {
				return fmt.Errorf("recon: settle premium %s: %w", s.ID, err)
			}
		}
		if collected {
			res.Collected++
		} else {
			res.Voided++
		}
		r.logger.Info("premium settled", slog.String("shipment_id", s.ID), slog.String("tx_hash", s.PremiumTxHash), slog.Bool("collected", collected))
	}
	return nil
}

// flagPartial reports collected premiums without a payout escrow. An escrow
// create recorded on the shipment is looked up first, since it may have
// validated after the request gave up on it.
func (r *Reconciler) flagPartial(ctx context.Context, res *Result, cutoff time.Time) error {
	shipments, err := r.shipments.ListByEscrowState(ctx, workflow.EscrowPremiumOnly)
	if err != nil {
		return fmt.Errorf("recon: list premium-only shipments: %w", err)
	}
	for _, s := range shipments {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		res.Checked++
		if s.EscrowTxHash == "" {
			r.raise(res, Anomaly{Type: AnomalyPartialEscrow, ShipmentID: s.ID, TxHash: s.PremiumTxHash, Detail: "premium collected without payout escrow"})
			continue
		}
		st, err := r.ledger.Status(ctx, s.EscrowTxHash, s.EscrowLastLedger)
		if err != nil {
			r.raise(res, Anomaly{Type: AnomalyPartialEscrow, ShipmentID: s.ID, Sequence: s.EscrowSequence, TxHash: s.EscrowTxHash, Detail: "status lookup failed: " + err.Error()})
			continue
		}
		switch {
		case st.Validated && st.Result == ledger.ResultSuccess:
			if !res.DryRun {
				if err := r.outcomes.ConfirmEscrow(ctx, s.ID); err != nil {
					return fmt.Errorf("recon: confirm escrow %s: %w", s.ID, err)
				}
			}
			res.Recovered++
			r.logger.Info("escrow create confirmed", slog.String("shipment_id", s.ID), slog.Uint64("sequence", uint64(s.EscrowSequence)))
		case st.Validated, !st.Found && st.Expired:
			r.raise(res, Anomaly{Type: AnomalyPartialEscrow, ShipmentID: s.ID, Sequence: s.EscrowSequence, TxHash: s.EscrowTxHash, Detail: "escrow create did not execute; safe to retry"})
		default:
			r.raise(res, Anomaly{Type: AnomalyPartialEscrow, ShipmentID: s.ID, Sequence: s.EscrowSequence, TxHash: s.EscrowTxHash, Detail: "escrow create outcome unknown"})
		}
	}
	return nil
}

// verifyEscrows checks that every open escrow still exists on the ledger.
func (r *Reconciler) verifyEscrows(ctx context.Context, res *Result, _ time.Time) error {
	shipments, err := r.shipments.ListByEscrowState(ctx, workflow.EscrowActive)
	if err != nil {
		return fmt.Errorf("recon: list escrowed shipments: %w", err)
	}
	for _, s := range shipments {
		if s.PendingOutcome != "" {
			continue
		}
		res.Checked++
		_, err := r.ledger.Escrow(ctx, r.custodian, s.EscrowSequence)
		if err == nil {
			continue
		}
		if !fault.Is(err, fault.KindEscrowNotFound) {
			r.logger.Warn("escrow lookup failed", slog.String("shipment_id", s.ID), slog.Any("error", err))
			continue
		}
		detail := "escrow entry missing without a local terminal action"
		if rec, terr := r.terminals.Get(ctx, r.custodian.String(), s.EscrowSequence); terr == nil {
			detail = fmt.Sprintf("escrow entry missing; terminal %s is %s", rec.Action, rec.State)
		}
		r.raise(res, Anomaly{Type: AnomalyEscrowMissing, ShipmentID: s.ID, Sequence: s.EscrowSequence, TxHash: s.EscrowTxHash, Detail: detail})
	}
	return nil
}

func (r *Reconciler) raise(res *Result, anomaly Anomaly) {
	anomaly.DetectedAt = r.now()
	res.Anomalies = append(res.Anomalies, anomaly)
	observability.Recon().RecordAnomaly(anomaly.Type)
	r.logger.Warn("reconciliation anomaly",
		slog.String("type", anomaly.Type),
		slog.String("shipment_id", anomaly.ShipmentID),
		slog.Uint64("sequence", uint64(anomaly.Sequence)),
		slog.String("detail", anomaly.Detail))
}

func terminalTxType(a escrow.Action) ledger.TxType {
	if a == escrow.ActionFinish {
		return ledger.TxEscrowFinish
	}
	return ledger.TxEscrowCancel
}

func (r *Reconciler) writeReports(res *Result) (string, string, error) {
	dir := filepath.Join(r.outputDir, res.StartedAt.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create output dir: %w", err)
	}
	base := filepath.Join(dir, "anomalies_"+res.RunID)
	csvPath, parquetPath := base+".csv", base+".parquet"
	if err := writeCSV(csvPath, res.Anomalies); err != nil {
		return "", "", err
	}
	if err := writeParquet(parquetPath, res.Anomalies); err != nil {
		return "", "", err
	}
	r.logger.Info("reports written", slog.String("csv", csvPath), slog.String("parquet", parquetPath), slog.Int("rows", len(res.Anomalies)))
	return csvPath, parquetPath, nil
}

var reportHeader = []string{"type", "shipment_id", "escrow_sequence", "tx_hash", "detail", "detected_at"}

func writeCSV(path string, rows []Anomaly) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Type,
			row.ShipmentID,
			strconv.FormatUint(uint64(row.Sequence), 10),
			row.TxHash,
			row.Detail,
			row.DetectedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Type           string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ShipmentID     string `parquet:"name=shipment_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	EscrowSequence int64  `parquet:"name=escrow_sequence, type=INT64"`
	TxHash         string `parquet:"name=tx_hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Detail         string `parquet:"name=detail, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DetectedAt     string `parquet:"name=detected_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, rows []Anomaly) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			Type:           row.Type,
			ShipmentID:     row.ShipmentID,
			EscrowSequence: int64(row.Sequence),
			TxHash:         row.TxHash,
			Detail:         row.Detail,
			DetectedAt:     row.DetectedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

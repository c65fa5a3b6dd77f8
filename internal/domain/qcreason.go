package domain

// qcReason taxonomy for processing failures and a missing QC input. An image
// rejected by the vision vendor's quality review instead carries the vendor's
// own reason, and the stuck-image sweeper writes its own descriptive reason.
const (
	QCReasonProcessingFailedConvert      = "processing_failed:convert"
	QCReasonProcessingFailedSaveFinal    = "processing_failed:save_final"
	QCReasonProcessingFailedMetadata     = "processing_failed:metadata"
	QCReasonProcessingFailedTrim         = "processing_failed:trim"
	QCReasonProcessingFailedEnhancement  = "processing_failed:enhancement"
	QCReasonProcessingFailedRemoveBG     = "processing_failed:remove_bg"
	QCReasonProcessingFailedQC           = "processing_failed:qc"

	// QCReasonMissingInput is not a processing_failed:<stage> variant: it marks
	// an image whose source file vanished before the QC/metadata pass could run.
	QCReasonMissingInput = "QC input path is missing"
)

// ProcessingStage names one step of the per-image post-processing pipeline
// (§4.1/§4.2), used by classify.QCReason to pick the qcReason suffix.
type ProcessingStage string

const (
	StageConvert     ProcessingStage = "convert"
	StageSaveFinal   ProcessingStage = "save_final"
	StageMetadata    ProcessingStage = "metadata"
	StageTrim        ProcessingStage = "trim"
	StageEnhancement ProcessingStage = "enhancement"
	StageRemoveBG    ProcessingStage = "remove_bg"
	StageQC          ProcessingStage = "qc"
)

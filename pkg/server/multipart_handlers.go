package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/lamina-storage/lamina/pkg/auth"
	"github.com/lamina-storage/lamina/pkg/storage"
)

func (h *Handler) handleInitiateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	params := storage.InitiateParams{
		ContentType:       r.Header.Get("Content-Type"),
		UserMetadata:      userMetadataFromHeaders(r.Header),
		ChecksumAlgorithm: storage.ChecksumAlgorithm(strings.ToUpper(r.Header.Get("x-amz-checksum-algorithm"))),
	}

	upload, err := h.facade.InitiateMultipart(r.Context(), bucket, key, params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.xmlResponse(w, InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadId: upload.UploadID,
	}, http.StatusOK)
}

func (h *Handler) handleUploadPart(w http.ResponseWriter, r *http.Request, identity *auth.RequestIdentity, bucket, key, uploadID, partNumberRaw string) {
	partNumber, err := strconv.Atoi(partNumberRaw)
	if err != nil {
		h.writeErrorCode(w, r, "InvalidArgument", "invalid partNumber", http.StatusBadRequest)
		return
	}

	expected, algorithm := checksumsFromHeaders(r.Header)
	opts := storage.PutOptions{
		Expected:  expected,
		Algorithm: algorithm,
	}
	if auth.IsChunkedUpload(r.Header.Get("Content-Encoding"), r.Header.Get("X-Amz-Content-Sha256")) {
		opts.Chunked = true
		opts.Validator = identity.Validator
	}

	part, err := h.facade.UploadPart(r.Context(), bucket, uploadID, partNumber, r.Body, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", quoteETag(part.ETag))
	writeChecksumHeaders(w, part.Checksums)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleUploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, key, uploadID, partNumberRaw string) {
	partNumber, err := strconv.Atoi(partNumberRaw)
	if err != nil {
		h.writeErrorCode(w, r, "InvalidArgument", "invalid partNumber", http.StatusBadRequest)
		return
	}
	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		h.writeErrorCode(w, r, "InvalidArgument", "invalid copy source", http.StatusBadRequest)
		return
	}

	srcInfo, err := h.facade.HeadObject(r.Context(), srcBucket, srcKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rng, ok := parseRangeHeader(r.Header.Get("x-amz-copy-source-range"), srcInfo.Size)
	if !ok || (rng != nil && rng.Start >= srcInfo.Size) {
		h.writeErrorCode(w, r, "InvalidRange", "the requested copy range is not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := h.facade.GetObject(r.Context(), srcBucket, srcKey, pw, rng)
		pw.CloseWithError(err)
	}()
	part, err := h.facade.UploadPart(r.Context(), bucket, uploadID, partNumber, pr, storage.PutOptions{})
	pr.Close()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.xmlResponse(w, CopyPartResult{
		LastModified: lastModifiedOrNow(part.LastModified),
		ETag:         quoteETag(part.ETag),
	}, http.StatusOK)
}

func (h *Handler) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	var request CompleteMultipartUpload
	if err := h.xmlRequest(r, &request); err != nil {
		h.writeErrorCode(w, r, "MalformedXML", "cannot parse complete multipart document", http.StatusBadRequest)
		return
	}

	parts := make([]storage.CompletedPart, 0, len(request.Parts))
	for _, part := range request.Parts {
		parts = append(parts, storage.CompletedPart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}

	info, err := h.facade.CompleteMultipart(r.Context(), bucket, uploadID, parts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.xmlResponse(w, CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     quoteETag(info.ETag),
	}, http.StatusOK)
}

func (h *Handler) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, uploadID string) {
	if _, err := h.facade.AbortMultipart(r.Context(), bucket, uploadID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListParts(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	parts, err := h.facade.Multipart.ListParts(r.Context(), bucket, uploadID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result := ListPartsResult{
		Bucket:   bucket,
		Key:      key,
		UploadId: uploadID,
		MaxParts: 10000,
	}
	for _, part := range parts {
		result.Parts = append(result.Parts, Part{
			PartNumber:   part.PartNumber,
			LastModified: part.LastModified.UTC(),
			ETag:         quoteETag(part.ETag),
			Size:         part.Size,
		})
	}
	h.xmlResponse(w, result, http.StatusOK)
}

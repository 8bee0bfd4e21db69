package server

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/lamina-storage/lamina/pkg/storage"
)

const defaultMaxKeys = 1000

func (h *Handler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.facade.Buckets.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var result ListAllMyBucketsResult
	for _, info := range buckets {
		result.Buckets.Bucket = append(result.Buckets.Bucket, Bucket{
			Name:         info.Name,
			CreationDate: info.CreationDate.UTC(),
		})
		if result.Owner.ID == "" {
			result.Owner = Owner{ID: info.OwnerID, DisplayName: info.OwnerDisplayName}
		}
	}
	h.xmlResponse(w, result, http.StatusOK)
}

func (h *Handler) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	info := storage.BucketInfo{Name: bucket}

	var config CreateBucketConfiguration
	if err := h.xmlRequest(r, &config); err == nil {
		if config.Bucket.Type == string(storage.BucketTypeDirectory) {
			info.Type = storage.BucketTypeDirectory
		}
	}

	if err := h.facade.Buckets.Create(r.Context(), info); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := h.facade.DeleteBucket(r.Context(), bucket); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	ok, err := h.facade.Buckets.Exists(r.Context(), bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	ok, err := h.facade.Buckets.Exists(r.Context(), bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, storage.ErrBucketNotFound)
		return
	}
	// us-east-1 is the empty location constraint on the wire.
	location := h.region
	if location == "us-east-1" {
		location = ""
	}
	h.xmlResponse(w, LocationConstraint{Location: location}, http.StatusOK)
}

func (h *Handler) handleGetBucketVersioning(w http.ResponseWriter, r *http.Request, bucket string) {
	ok, err := h.facade.Buckets.Exists(r.Context(), bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, storage.ErrBucketNotFound)
		return
	}
	// Never enabled: an empty configuration.
	h.xmlResponse(w, VersioningConfiguration{}, http.StatusOK)
}

func (h *Handler) handleGetBucketTagging(w http.ResponseWriter, r *http.Request, bucket string) {
	info, err := h.facade.Buckets.Get(r.Context(), bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(info.Tags) == 0 {
		h.writeErrorCode(w, r, "NoSuchTagSet", "the tag set does not exist", http.StatusNotFound)
		return
	}

	var result Tagging
	for key, value := range info.Tags {
		result.TagSet.Tags = append(result.TagSet.Tags, Tag{Key: key, Value: value})
	}
	sort.Slice(result.TagSet.Tags, func(i, j int) bool {
		return result.TagSet.Tags[i].Key < result.TagSet.Tags[j].Key
	})
	h.xmlResponse(w, result, http.StatusOK)
}

func (h *Handler) handlePutBucketTagging(w http.ResponseWriter, r *http.Request, bucket string) {
	var request taggingRequest
	if err := h.xmlRequest(r, &request); err != nil {
		h.writeErrorCode(w, r, "MalformedXML", "cannot parse tagging document", http.StatusBadRequest)
		return
	}
	tags := make(map[string]string, len(request.TagSet.Tags))
	for _, tag := range request.TagSet.Tags {
		tags[tag.Key] = tag.Value
	}
	if err := h.facade.Buckets.SetTags(r.Context(), bucket, tags); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteBucketTagging(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := h.facade.Buckets.SetTags(r.Context(), bucket, nil); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	query := r.URL.Query()
	v2 := query.Get("list-type") == "2"

	maxKeys := defaultMaxKeys
	if raw := query.Get("max-keys"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeErrorCode(w, r, "InvalidArgument", "invalid max-keys", http.StatusBadRequest)
			return
		}
		maxKeys = parsed
	}

	listQuery := storage.ListQuery{
		Prefix:    query.Get("prefix"),
		Delimiter: query.Get("delimiter"),
		MaxKeys:   maxKeys,
	}
	if v2 {
		listQuery.StartAfter = query.Get("start-after")
		if token := query.Get("continuation-token"); token != "" {
			listQuery.StartAfter = token
		}
	} else {
		listQuery.StartAfter = query.Get("marker")
	}

	var listing *storage.ObjectListing
	if maxKeys == 0 {
		// max-keys=0 is a valid request for an empty listing; only the
		// bucket's existence is checked.
		ok, err := h.facade.Buckets.Exists(r.Context(), bucket)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !ok {
			h.writeError(w, r, storage.ErrBucketNotFound)
			return
		}
		listing = &storage.ObjectListing{}
	} else {
		var err error
		listing, err = h.facade.ListObjects(r.Context(), bucket, listQuery)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	encodingType := query.Get("encoding-type")
	contents := make([]Contents, 0, len(listing.Objects))
	for _, obj := range listing.Objects {
		entry := Contents{
			Key:          encodeListName(obj.Key, encodingType),
			LastModified: obj.LastModified.UTC(),
			ETag:         quoteETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		}
		if obj.OwnerID != "" {
			entry.Owner = &Owner{ID: obj.OwnerID, DisplayName: obj.OwnerDisplayName}
		}
		contents = append(contents, entry)
	}
	prefixes := make([]CommonPrefix, 0, len(listing.CommonPrefixes))
	for _, prefix := range listing.CommonPrefixes {
		prefixes = append(prefixes, CommonPrefix{Prefix: encodeListName(prefix, encodingType)})
	}

	if v2 {
		result := ListBucketResultV2{
			Name:           bucket,
			Prefix:         encodeListName(listQuery.Prefix, encodingType),
			Delimiter:      encodeListName(listQuery.Delimiter, encodingType),
			MaxKeys:        maxKeys,
			EncodingType:   encodingType,
			KeyCount:       len(contents) + len(prefixes),
			IsTruncated:    listing.Truncated,
			StartAfter:     encodeListName(query.Get("start-after"), encodingType),
			Contents:       contents,
			CommonPrefixes: prefixes,
		}
		if listing.Truncated {
			result.NextContinuationToken = listing.NextStartAfter
		}
		if token := query.Get("continuation-token"); token != "" {
			result.ContinuationToken = token
		}
		h.xmlResponse(w, result, http.StatusOK)
		return
	}

	result := ListBucketResult{
		Name:           bucket,
		Prefix:         encodeListName(listQuery.Prefix, encodingType),
		Marker:         encodeListName(query.Get("marker"), encodingType),
		Delimiter:      encodeListName(listQuery.Delimiter, encodingType),
		MaxKeys:        maxKeys,
		EncodingType:   encodingType,
		IsTruncated:    listing.Truncated,
		Contents:       contents,
		CommonPrefixes: prefixes,
	}
	if listing.Truncated {
		result.NextMarker = encodeListName(listing.NextStartAfter, encodingType)
	}
	h.xmlResponse(w, result, http.StatusOK)
}

func (h *Handler) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	var request Delete
	if err := h.xmlRequest(r, &request); err != nil {
		h.writeErrorCode(w, r, "MalformedXML", "cannot parse delete document", http.StatusBadRequest)
		return
	}

	ids := make([]storage.ObjectIdentifier, 0, len(request.Objects))
	for _, obj := range request.Objects {
		ids = append(ids, storage.ObjectIdentifier{Key: obj.Key})
	}

	outcome, err := h.facade.DeleteMultipleObjects(r.Context(), bucket, ids, request.Quiet)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var result DeleteResult
	for _, key := range outcome.Deleted {
		result.Deleted = append(result.Deleted, DeletedObject{Key: key})
	}
	for _, derr := range outcome.Errors {
		result.Errors = append(result.Errors, DeleteResultError{
			Key:     derr.Key,
			Code:    derr.Code,
			Message: derr.Message,
		})
	}
	h.xmlResponse(w, result, http.StatusOK)
}

func (h *Handler) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	if ok, err := h.facade.Buckets.Exists(r.Context(), bucket); err != nil {
		h.writeError(w, r, err)
		return
	} else if !ok {
		h.writeError(w, r, storage.ErrBucketNotFound)
		return
	}

	uploads, err := h.facade.Multipart.ListUploads(r.Context(), bucket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result := ListMultipartUploadsResult{
		Bucket:     bucket,
		MaxUploads: defaultMaxKeys,
	}
	for _, upload := range uploads {
		entry := Upload{
			Key:       upload.Key,
			UploadId:  upload.UploadID,
			Initiated: upload.Initiated.UTC(),
		}
		if upload.OwnerID != "" {
			entry.Owner = &Owner{ID: upload.OwnerID, DisplayName: upload.OwnerDisplayName}
		}
		result.Uploads = append(result.Uploads, entry)
	}
	h.xmlResponse(w, result, http.StatusOK)
}

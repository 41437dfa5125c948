package sink

import (
	"context"
	"strings"

	"data-rsync/internal/errs"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QdrantStore 基于 Qdrant gRPC 的向量库实现
type QdrantStore struct {
	client *qdrant.Client
}

func NewQdrantStore(client *qdrant.Client) *QdrantStore {
	return &QdrantStore{client: client}
}

func distance(metric string) qdrant.Distance {
	switch strings.ToUpper(metric) {
	case "L2", "EUCLID":
		return qdrant.Distance_Euclid
	case "IP", "DOT":
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

// classify 参数类错误不可重试, 其余按瞬时错误处理
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return errs.Data(op, err)
	case codes.NotFound:
		return errs.NotFound(op, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return errs.Config(op, err)
	}
	return errs.Transient(op, err)
}

func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.CollectionExists(ctx, name)
	return ok, classify("qdrant.exists", err)
}

func (s *QdrantStore) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(spec.Dimension),
			Distance: distance(spec.Metric),
		}),
	})
	if err != nil && status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return classify("qdrant.create_collection", err)
}

func (s *QdrantStore) DropCollection(ctx context.Context, name string) error {
	err := s.client.DeleteCollection(ctx, name)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return classify("qdrant.drop_collection", err)
}

func (s *QdrantStore) CreateKeyIndex(ctx context.Context, name string) error {
	_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      KeyField,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	return classify("qdrant.create_index", err)
}

// HasKeyIndex 通过重新读取集合信息确认索引已生效
func (s *QdrantStore) HasKeyIndex(ctx context.Context, name string) (bool, error) {
	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return false, classify("qdrant.describe", err)
	}
	_, ok := info.GetPayloadSchema()[KeyField]
	return ok, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      pointID(p.Key),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(toPayload(p)),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	return classify("qdrant.upsert", err)
}

// Delete 按主键字段的过滤表达式删除
func (s *QdrantStore) Delete(ctx context.Context, name string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeywords(KeyField, keys...)},
		}),
	})
	return classify("qdrant.delete", err)
}

func (s *QdrantStore) Count(ctx context.Context, name string) (int64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, classify("qdrant.count", err)
	}
	return int64(n), nil
}

func (s *QdrantStore) Get(ctx context.Context, name string, keys []string) (map[string]Point, error) {
	ids := make([]*qdrant.PointId, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, pointID(k))
	}
	got, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: name,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classify("qdrant.get", err)
	}
	out := make(map[string]Point, len(got))
	for _, rp := range got {
		p := fromPayload(rp.GetPayload())
		out[p.Key] = p
	}
	return out, nil
}

func toPayload(p Point) map[string]interface{} {
	fields := JSONSafe(p.Fields)
	if fields == nil {
		fields = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		KeyField:    p.Key,
		OffsetField: p.Offset,
		FieldsField: fields,
	}
	if p.Text != "" {
		payload[TextField] = p.Text
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) Point {
	p := Point{Fields: map[string]interface{}{}}
	for k, v := range payload {
		switch k {
		case KeyField:
			p.Key = v.GetStringValue()
		case OffsetField:
			p.Offset = v.GetIntegerValue()
		case TextField:
			p.Text = v.GetStringValue()
		case FieldsField:
			if m, ok := fromValue(v).(map[string]interface{}); ok {
				p.Fields = m
			}
		}
	}
	return p
}

func pointID(key string) *qdrant.PointId {
	n, u := PointID(key)
	if u != "" {
		return qdrant.NewIDUUID(u)
	}
	return qdrant.NewIDNum(n)
}

func fromValue(v *qdrant.Value) interface{} {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_StructValue:
		m := make(map[string]interface{}, len(k.StructValue.GetFields()))
		for name, x := range k.StructValue.GetFields() {
			m[name] = fromValue(x)
		}
		return m
	case *qdrant.Value_ListValue:
		out := make([]interface{}, 0, len(k.ListValue.GetValues()))
		for _, x := range k.ListValue.GetValues() {
			out = append(out, fromValue(x))
		}
		return out
	}
	return nil
}

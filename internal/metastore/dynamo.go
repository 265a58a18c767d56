package metastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/m-mizutani/goerr"

	"github.com/driftfs/driftfs/internal/dfserr"
)

// DynamoStore is the alternate Store for running the NameNode against a
// DynamoDB table instead of a local SQLite file. One table, partitioned by
// entity kind; chunk and node lookups that SQLite serves with indexes are
// done with queries plus application-side filtering here.
type DynamoStore struct {
	svc   *dynamodb.Client
	table string
}

var _ Store = (*DynamoStore)(nil)

const (
	pkFile  = "FILE"
	pkChunk = "CHUNK"
	pkNode  = "NODE"
)

type dynamoFile struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"` // path
	FileID    string `dynamodbav:"file_id"`
	Size      int64  `dynamodbav:"size"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

type dynamoChunk struct {
	PK       string   `dynamodbav:"pk"`
	SK       string   `dynamodbav:"sk"` // chunk id
	FileID   string   `dynamodbav:"file_id"`
	Index    int      `dynamodbav:"chunk_index"`
	Size     int64    `dynamodbav:"size"`
	Checksum string   `dynamodbav:"checksum"`
	Replicas []string `dynamodbav:"replicas,omitempty"`
}

type dynamoNode struct {
	PK          string `dynamodbav:"pk"`
	SK          string `dynamodbav:"sk"` // node id
	Address     string `dynamodbav:"address"`
	Capacity    int64  `dynamodbav:"capacity"`
	Used        int64  `dynamodbav:"used"`
	HeartbeatTS int64  `dynamodbav:"heartbeat_ts"`
	State       string `dynamodbav:"state"`
}

func OpenDynamo(ctx context.Context, region, table string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load AWS config")
	}
	return &DynamoStore{svc: dynamodb.NewFromConfig(cfg), table: table}, nil
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) put(ctx context.Context, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal item")
	}
	_, err = s.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to put item")
	}
	return nil
}

func (s *DynamoStore) queryPartition(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.svc.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query partition").With("pk", pk)
		}
		items = append(items, out.Items...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return items, nil
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out any) (bool, error) {
	res, err := s.svc.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, goerr.Wrap(err, "failed to get item")
	}
	if res.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, goerr.Wrap(err, "failed to unmarshal item")
	}
	return true, nil
}

func (s *DynamoStore) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.svc.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to delete item")
	}
	return nil
}

// File operations.

func (s *DynamoStore) CreateFile(ctx context.Context, file *FileEntry, chunks []*ChunkEntry) error {
	if err := s.put(ctx, dynamoFile{
		PK:        pkFile,
		SK:        file.Path,
		FileID:    file.ID,
		Size:      file.Size,
		CreatedAt: file.CreatedAt.Unix(),
	}); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := s.put(ctx, dynamoChunk{
			PK:       pkChunk,
			SK:       c.ID,
			FileID:   c.FileID,
			Index:    c.Index,
			Size:     c.Size,
			Checksum: c.Checksum,
			Replicas: c.Replicas,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) GetFileByPath(ctx context.Context, path string) (*FileEntry, error) {
	var item dynamoFile
	found, err := s.getItem(ctx, pkFile, path, &item)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, goerr.Wrap(dfserr.ErrNotFound, "file not found").With("path", path)
	}
	return s.hydrateFile(ctx, &item)
}

func (s *DynamoStore) GetFileByID(ctx context.Context, id string) (*FileEntry, error) {
	items, err := s.queryPartition(ctx, pkFile)
	if err != nil {
		return nil, err
	}
	for _, raw := range items {
		var item dynamoFile
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		if item.FileID == id {
			return s.hydrateFile(ctx, &item)
		}
	}
	return nil, goerr.Wrap(dfserr.ErrNotFound, "file not found").With("file_id", id)
}

func (s *DynamoStore) hydrateFile(ctx context.Context, item *dynamoFile) (*FileEntry, error) {
	chunks, err := s.GetFileChunks(ctx, item.FileID)
	if err != nil {
		return nil, err
	}
	f := &FileEntry{
		ID:        item.FileID,
		Path:      item.SK,
		Size:      item.Size,
		CreatedAt: time.Unix(item.CreatedAt, 0),
	}
	for _, c := range chunks {
		f.ChunkIDs = append(f.ChunkIDs, c.ID)
	}
	return f, nil
}

func (s *DynamoStore) ListFiles(ctx context.Context, pathPrefix string) ([]*FileEntry, error) {
	input := &dynamodb.QueryInput{
		TableName: aws.String(s.table),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkFile},
		},
		KeyConditionExpression: aws.String("pk = :pk"),
	}
	if pathPrefix != "" {
		input.KeyConditionExpression = aws.String("pk = :pk AND begins_with(sk, :prefix)")
		input.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: pathPrefix}
	}

	out, err := s.svc.Query(ctx, input)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list files")
	}

	var files []*FileEntry
	for _, raw := range out.Items {
		var item dynamoFile
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		files = append(files, &FileEntry{
			ID:        item.FileID,
			Path:      item.SK,
			Size:      item.Size,
			CreatedAt: time.Unix(item.CreatedAt, 0),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	// One chunk-partition scan covers every listed file.
	chunks, err := s.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	byFile := make(map[string][]*ChunkEntry)
	for _, c := range chunks {
		byFile[c.FileID] = append(byFile[c.FileID], c)
	}
	for _, f := range files {
		owned := byFile[f.ID]
		sort.Slice(owned, func(i, j int) bool { return owned[i].Index < owned[j].Index })
		for _, c := range owned {
			f.ChunkIDs = append(f.ChunkIDs, c.ID)
		}
	}
	return files, nil
}

func (s *DynamoStore) DeleteFile(ctx context.Context, path string) error {
	file, err := s.GetFileByPath(ctx, path)
	if err != nil {
		return err
	}
	return s.deleteFileEntry(ctx, file)
}

func (s *DynamoStore) DeleteFileByID(ctx context.Context, id string) error {
	file, err := s.GetFileByID(ctx, id)
	if err != nil {
		return err
	}
	return s.deleteFileEntry(ctx, file)
}

func (s *DynamoStore) deleteFileEntry(ctx context.Context, file *FileEntry) error {
	for _, chunkID := range file.ChunkIDs {
		if err := s.deleteItem(ctx, pkChunk, chunkID); err != nil {
			return err
		}
	}
	return s.deleteItem(ctx, pkFile, file.Path)
}

// Chunk operations.

func (s *DynamoStore) GetChunk(ctx context.Context, id string) (*ChunkEntry, error) {
	var item dynamoChunk
	found, err := s.getItem(ctx, pkChunk, id, &item)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, goerr.Wrap(dfserr.ErrNotFound, "chunk not found").With("chunk", id)
	}
	return chunkFromItem(&item), nil
}

func (s *DynamoStore) GetFileChunks(ctx context.Context, fileID string) ([]*ChunkEntry, error) {
	all, err := s.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	var chunks []*ChunkEntry
	for _, c := range all {
		if c.FileID == fileID {
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (s *DynamoStore) ListChunks(ctx context.Context) ([]*ChunkEntry, error) {
	items, err := s.queryPartition(ctx, pkChunk)
	if err != nil {
		return nil, err
	}
	var chunks []*ChunkEntry
	for _, raw := range items {
		var item dynamoChunk
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		chunks = append(chunks, chunkFromItem(&item))
	}
	return chunks, nil
}

func chunkFromItem(item *dynamoChunk) *ChunkEntry {
	return &ChunkEntry{
		ID:       item.SK,
		FileID:   item.FileID,
		Index:    item.Index,
		Size:     item.Size,
		Checksum: item.Checksum,
		Replicas: item.Replicas,
	}
}

func (s *DynamoStore) AddReplica(ctx context.Context, chunkID, nodeID string) error {
	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	for _, existing := range chunk.Replicas {
		if existing == nodeID {
			return nil
		}
	}
	chunk.Replicas = append(chunk.Replicas, nodeID)
	return s.put(ctx, dynamoChunk{
		PK: pkChunk, SK: chunk.ID, FileID: chunk.FileID, Index: chunk.Index,
		Size: chunk.Size, Checksum: chunk.Checksum, Replicas: chunk.Replicas,
	})
}

func (s *DynamoStore) RemoveReplica(ctx context.Context, chunkID, nodeID string) error {
	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	replicas := chunk.Replicas[:0]
	for _, existing := range chunk.Replicas {
		if existing != nodeID {
			replicas = append(replicas, existing)
		}
	}
	return s.put(ctx, dynamoChunk{
		PK: pkChunk, SK: chunk.ID, FileID: chunk.FileID, Index: chunk.Index,
		Size: chunk.Size, Checksum: chunk.Checksum, Replicas: replicas,
	})
}

// Node operations.

func (s *DynamoStore) UpsertNode(ctx context.Context, node *NodeRecord) error {
	return s.put(ctx, dynamoNode{
		PK:          pkNode,
		SK:          node.ID,
		Address:     node.Address,
		Capacity:    node.CapacityBytes,
		Used:        node.UsedBytes,
		HeartbeatTS: node.LastHeartbeatAt.Unix(),
		State:       string(node.State),
	})
}

func (s *DynamoStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	var item dynamoNode
	found, err := s.getItem(ctx, pkNode, id, &item)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, goerr.Wrap(dfserr.ErrUnknownNode, "node not found").With("node", id)
	}
	return nodeFromItem(&item), nil
}

func (s *DynamoStore) GetNodeByAddress(ctx context.Context, address string) (*NodeRecord, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Address == address {
			return n, nil
		}
	}
	return nil, goerr.Wrap(dfserr.ErrUnknownNode, "node not found").With("address", address)
}

func (s *DynamoStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	items, err := s.queryPartition(ctx, pkNode)
	if err != nil {
		return nil, err
	}
	var nodes []*NodeRecord
	for _, raw := range items {
		var item dynamoNode
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		nodes = append(nodes, nodeFromItem(&item))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func nodeFromItem(item *dynamoNode) *NodeRecord {
	return &NodeRecord{
		ID:              item.SK,
		Address:         item.Address,
		CapacityBytes:   item.Capacity,
		UsedBytes:       item.Used,
		LastHeartbeatAt: time.Unix(item.HeartbeatTS, 0),
		State:           NodeState(item.State),
	}
}

func (s *DynamoStore) UpdateNodeHeartbeat(ctx context.Context, id string, usedBytes int64, at time.Time) error {
	_, err := s.svc.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkNode},
			"sk": &types.AttributeValueMemberS{Value: id},
		},
		ConditionExpression: aws.String("attribute_exists(sk)"),
		UpdateExpression:    aws.String("SET used = :used, heartbeat_ts = :ts, #state = :state"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", usedBytes)},
			":ts":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", at.Unix())},
			":state": &types.AttributeValueMemberS{Value: string(NodeActive)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return goerr.Wrap(dfserr.ErrUnknownNode, "heartbeat from unregistered node").With("node", id)
		}
		return goerr.Wrap(err, "failed to update heartbeat").With("node", id)
	}
	return nil
}

func (s *DynamoStore) SetNodeState(ctx context.Context, id string, state NodeState) error {
	_, err := s.svc.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkNode},
			"sk": &types.AttributeValueMemberS{Value: id},
		},
		ConditionExpression: aws.String("attribute_exists(sk)"),
		UpdateExpression:    aws.String("SET #state = :state"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state": &types.AttributeValueMemberS{Value: string(state)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return goerr.Wrap(dfserr.ErrUnknownNode, "node not found").With("node", id)
		}
		return goerr.Wrap(err, "failed to set node state").With("node", id)
	}
	return nil
}
